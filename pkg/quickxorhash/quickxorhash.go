// Package quickxorhash computes QuickXorHash, the content digest SharePoint
// and OneDrive report in file.hashes.quickXorHash.
//
// Each input byte is XORed into a circular 160-bit register at a bit offset
// that advances by 11 per byte. The digest is the register with the total
// input length (little-endian int64) XORed into its last eight bytes.
//
// Reference: https://learn.microsoft.com/en-us/onedrive/developer/code-snippets/quickxorhash
package quickxorhash

import (
	"encoding/base64"
	"encoding/binary"
	"hash"
	"io"
)

// Size is the length, in bytes, of a digest.
const Size = 20

// BlockSize is the hash's preferred write size.
const BlockSize = 64

const (
	widthBits = Size * 8
	stride    = 11
)

type digest struct {
	reg    [Size]byte
	offset int // current bit offset into reg, always < widthBits
	length uint64
}

// New returns a hash.Hash computing QuickXorHash.
func New() hash.Hash {
	return &digest{}
}

func (d *digest) Write(p []byte) (int, error) {
	for _, b := range p {
		idx, bit := d.offset/8, uint(d.offset%8)

		d.reg[idx] ^= b << bit
		if bit != 0 {
			d.reg[(idx+1)%Size] ^= b >> (8 - bit)
		}

		d.offset += stride
		if d.offset >= widthBits {
			d.offset -= widthBits
		}
	}

	d.length += uint64(len(p))

	return len(p), nil
}

// Sum appends the digest to b without changing the running state.
func (d *digest) Sum(b []byte) []byte {
	out := d.reg

	var n [8]byte
	binary.LittleEndian.PutUint64(n[:], d.length)

	for i := range n {
		out[Size-8+i] ^= n[i]
	}

	return append(b, out[:]...)
}

func (d *digest) Reset() {
	*d = digest{}
}

func (d *digest) Size() int { return Size }

func (d *digest) BlockSize() int { return BlockSize }

// Sum returns the digest of data.
func Sum(data []byte) [Size]byte {
	var d digest

	_, _ = d.Write(data)

	var out [Size]byte
	copy(out[:], d.Sum(nil))

	return out
}

// Base64 returns the standard base64 digest of everything read from r, in
// the form the Graph API reports.
func Base64(r io.Reader) (string, error) {
	h := New()
	if _, err := io.Copy(h, r); err != nil {
		return "", err
	}

	return base64.StdEncoding.EncodeToString(h.Sum(nil)), nil
}
