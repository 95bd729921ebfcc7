// Package netascii converts between local text (LF line endings) and the
// netascii form used on the wire: LF becomes CR LF and a bare CR becomes
// CR NUL.
//
// Both directions are transform.Transformers, so translation is correct
// across block boundaries: a CR at the end of one 512-byte block is held
// back until the next byte is known.
package netascii

import (
	"io"

	"golang.org/x/text/transform"
)

const (
	cr  = '\r'
	lf  = '\n'
	nul = 0
)

// Encoder translates local text to netascii.
type Encoder struct{ transform.NopResetter }

// Decoder translates netascii to local text.
type Decoder struct{ transform.NopResetter }

// Transform implements transform.Transformer.
func (Encoder) Transform(dst, src []byte, atEOF bool) (nDst, nSrc int, err error) {
	for nSrc < len(src) {
		c := src[nSrc]
		switch c {
		case lf, cr:
			if nDst+2 > len(dst) {
				return nDst, nSrc, transform.ErrShortDst
			}
			dst[nDst] = cr
			if c == lf {
				dst[nDst+1] = lf
			} else {
				dst[nDst+1] = nul
			}
			nDst += 2
		default:
			if nDst >= len(dst) {
				return nDst, nSrc, transform.ErrShortDst
			}
			dst[nDst] = c
			nDst++
		}
		nSrc++
	}
	return nDst, nSrc, nil
}

// Transform implements transform.Transformer. A CR followed by anything
// other than LF or NUL is passed through unchanged.
func (Decoder) Transform(dst, src []byte, atEOF bool) (nDst, nSrc int, err error) {
	for nSrc < len(src) {
		if nDst >= len(dst) {
			return nDst, nSrc, transform.ErrShortDst
		}
		c := src[nSrc]
		if c != cr {
			dst[nDst] = c
			nDst++
			nSrc++
			continue
		}
		if nSrc+1 == len(src) {
			if !atEOF {
				return nDst, nSrc, transform.ErrShortSrc
			}
			dst[nDst] = cr
			nDst++
			nSrc++
			continue
		}
		switch src[nSrc+1] {
		case lf:
			dst[nDst] = lf
			nSrc += 2
		case nul:
			dst[nDst] = cr
			nSrc += 2
		default:
			dst[nDst] = cr
			nSrc++
		}
		nDst++
	}
	return nDst, nSrc, nil
}

// NewReader returns a reader yielding the netascii form of r.
func NewReader(r io.Reader) io.Reader {
	return transform.NewReader(r, Encoder{})
}

// NewWriter returns a writer that decodes netascii into w. Close flushes a
// trailing CR; it does not close w.
func NewWriter(w io.Writer) io.WriteCloser {
	return transform.NewWriter(w, Decoder{})
}
