package bloom

import (
	"encoding/binary"
	"errors"
)

// ErrTruncated is returned by UnmarshalBinary when data is shorter
// than the fixed header.
var ErrTruncated = errors.New("bloom: encoded data shorter than header")

// ErrSizeMismatch is returned by UnmarshalBinary when the payload
// length doesn't match what the decoded header declares.
var ErrSizeMismatch = errors.New("bloom: encoded bit array length mismatch")

// headerWords is the number of uint64 words (m, k, count) preceding
// the bit array in the wire format.
const headerWords = 3

const headerSize = headerWords * 8

// MarshalBinary encodes the filter as [m][k][count][bit words...], all
// big-endian uint64s.
func (f *Filter) MarshalBinary() ([]byte, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	buf := make([]byte, headerSize+len(f.words)*8)
	binary.BigEndian.PutUint64(buf[0:8], uint64(f.m))
	binary.BigEndian.PutUint64(buf[8:16], uint64(f.k))
	binary.BigEndian.PutUint64(buf[16:24], uint64(f.count))

	for i, word := range f.words {
		binary.BigEndian.PutUint64(buf[headerSize+i*8:headerSize+(i+1)*8], word)
	}

	return buf, nil
}

// UnmarshalBinary restores a filter previously produced by
// MarshalBinary, replacing f's contents in place.
func (f *Filter) UnmarshalBinary(data []byte) error {
	if len(data) < headerSize {
		return ErrTruncated
	}

	m := binary.BigEndian.Uint64(data[0:8])
	k := binary.BigEndian.Uint64(data[8:16])
	count := binary.BigEndian.Uint64(data[16:24])

	wantWords := wordsFor(uint(m))
	if uint64(len(data)-headerSize) != uint64(wantWords)*8 {
		return ErrSizeMismatch
	}

	words := make([]uint64, wantWords)
	for i := range words {
		words[i] = binary.BigEndian.Uint64(data[headerSize+i*8 : headerSize+(i+1)*8])
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.m = uint(m)
	f.k = uint(k)
	f.count = uint(count)
	f.words = words

	return nil
}
