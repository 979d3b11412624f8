package asm

import (
	"fmt"
	"io"

	"github.com/cnf/structhash"
	"github.com/vmihailenco/msgpack/v5"
)

// ImageVersion is the version of the image format.
const ImageVersion = 1

// Image is the stored form of a program. The fingerprint is a hash over the
// program's content, checked when reading an image.
type Image struct {
	Version     int      `msgpack:"version"`
	Fingerprint string   `msgpack:"fingerprint"`
	Program     *Program `msgpack:"program"`
}

// Fingerprint computes the fingerprint of a program.
func Fingerprint(prog *Program) (string, error) {
	return structhash.Hash(prog, ImageVersion)
}

// WriteImage writes a program as a msgpack-encoded image.
func WriteImage(w io.Writer, prog *Program) error {
	fp, err := Fingerprint(prog)
	if err != nil {
		return err
	}
	img := Image{Version: ImageVersion, Fingerprint: fp, Program: prog}
	enc := msgpack.NewEncoder(w)
	if err = enc.Encode(&img); err != nil {
		return err
	}
	tracer().Debugf("wrote image, fingerprint %s", fp)
	return nil
}

// ReadImage reads a program from an image, verifying version and
// fingerprint.
func ReadImage(r io.Reader) (*Program, error) {
	var img Image
	dec := msgpack.NewDecoder(r)
	if err := dec.Decode(&img); err != nil {
		return nil, err
	}
	if img.Version != ImageVersion {
		return nil, fmt.Errorf("image version %d not supported", img.Version)
	}
	if img.Program == nil || img.Program.Main == nil {
		return nil, fmt.Errorf("image does not contain a program")
	}
	fp, err := Fingerprint(img.Program)
	if err != nil {
		return nil, err
	}
	if fp != img.Fingerprint {
		return nil, fmt.Errorf("image fingerprint mismatch: have %s, expected %s", fp, img.Fingerprint)
	}
	return img.Program, nil
}
