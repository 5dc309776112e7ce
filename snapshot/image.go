// Package snapshot captures quiescent heaps into images, stores them in a
// catalog and takes them periodically.
package snapshot

import (
	"errors"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/rxell/phantomuserland/vm"
)

// ImageVersion is the format version written into every image.
const ImageVersion = 1

// ErrBadImage is returned when an image cannot be decoded.
var ErrBadImage = errors.New("snapshot: bad image")

// Image is the content of a heap at a snapshot. Each object is kept as the
// CBOR encoding of its persistent payload fields.
type Image struct {
	Version    int      `cbor:"1,keyasint"`
	Generation uint64   `cbor:"2,keyasint"`
	TakenAt    int64    `cbor:"3,keyasint"` // unix nanoseconds
	PageSize   int      `cbor:"4,keyasint"`
	Roots      []vm.Ref `cbor:"5,keyasint"`
	Objects    []Record `cbor:"6,keyasint"`
}

// Record is one object of an image.
type Record struct {
	Ref   vm.Ref          `cbor:"1,keyasint"`
	Class vm.ClassID      `cbor:"2,keyasint"`
	Data  cbor.RawMessage `cbor:"3,keyasint"`
}

var encMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("snapshot: failed to create CBOR enc mode: %v", err))
	}
	encMode = em
}

// Capture records every live object of v's heap. It reads thread and
// primitive state without locks, so it must run while v is quiescent:
// inside VM.Snapshot or after VM.Stop.
func Capture(v *vm.VM) (*Image, error) {
	h := v.Heap()
	img := &Image{
		Version:    ImageVersion,
		Generation: v.Snap().Generation(),
		TakenAt:    time.Now().UnixNano(),
		PageSize:   v.Options().PageSize,
		Roots:      h.Roots(),
	}

	var err error
	h.Each(func(r vm.Ref, o *vm.Object) {
		if err != nil {
			return
		}
		var data []byte
		data, err = encMode.Marshal(o.DataArea())
		if err != nil {
			err = fmt.Errorf("snapshot: encode object %d (%s): %w", r, vm.ClassOf(o.Class()), err)
			return
		}
		img.Objects = append(img.Objects, Record{Ref: r, Class: o.Class(), Data: data})
	})
	if err != nil {
		return nil, err
	}
	return img, nil
}

// Encode serializes an image.
func Encode(img *Image) ([]byte, error) {
	return encMode.Marshal(img)
}

// Decode parses an image written by Encode.
func Decode(data []byte) (*Image, error) {
	var img Image
	if err := cbor.Unmarshal(data, &img); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadImage, err)
	}
	if img.Version != ImageVersion {
		return nil, fmt.Errorf("%w: version %d", ErrBadImage, img.Version)
	}
	return &img, nil
}

// Payload decodes a record into a detached data area of its class.
func (r Record) Payload() (vm.DataArea, error) {
	c, ok := vm.LookupClass(r.Class)
	if !ok {
		return nil, fmt.Errorf("%w: object %d: unknown class %d", ErrBadImage, r.Ref, r.Class)
	}
	da := c.Instance()
	if err := cbor.Unmarshal(r.Data, da); err != nil {
		return nil, fmt.Errorf("%w: object %d: %v", ErrBadImage, r.Ref, err)
	}
	return da, nil
}

// Find returns the record for ref.
func (img *Image) Find(ref vm.Ref) (Record, bool) {
	for _, r := range img.Objects {
		if r.Ref == ref {
			return r, true
		}
	}
	return Record{}, false
}

// Count returns the number of objects of class id in the image.
func (img *Image) Count(id vm.ClassID) int {
	n := 0
	for _, r := range img.Objects {
		if r.Class == id {
			n++
		}
	}
	return n
}
