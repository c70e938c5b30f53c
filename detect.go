package livephoto

import (
	"bufio"
	"bytes"
	"errors"
	"io"
)

// IsPairedImage performs a streaming check for a Live Photo still without loading the full image.
// It reads the JPEG header up to the first scan and looks for a content identifier in the EXIF MakerNote.
// A stream that is not a JPEG fails with ErrUnreadableSource.
func IsPairedImage(r io.Reader) (bool, error) {
	id, err := ReadStreamIdentifier(r)
	if errors.Is(err, ErrNoIdentifier) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return id != "", nil
}

// ReadStreamIdentifier reads the content identifier from the header of a JPEG stream.
func ReadStreamIdentifier(r io.Reader) (AssetIdentifier, error) {
	br := bufio.NewReader(r)
	if err := expectSOI(br); err != nil {
		return "", err
	}
	for {
		marker, err := readMarker(br)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return "", ErrNoIdentifier
			}
			return "", err
		}
		switch marker {
		case markerEOI, markerSOS:
			return "", ErrNoIdentifier
		case markerAPP1:
			payload, err := readSegment(br)
			if err != nil {
				return "", err
			}
			if !bytes.HasPrefix(payload, exifSig) {
				continue
			}
			return exifIdentifier(payload)
		default:
			if marker >= 0xD0 && marker <= 0xD7 || marker == 0x01 {
				continue
			}
			if err := discardSegment(br); err != nil {
				return "", err
			}
		}
	}
}

var errNotJPEG = errors.New("stream does not start with a JPEG SOI marker")

func expectSOI(br *bufio.Reader) error {
	var b [2]byte
	if _, err := io.ReadFull(br, b[:]); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return newError(ErrUnreadableSource, "read stream identifier", "", errNotJPEG)
		}
		return err
	}
	if b[0] != markerStart || b[1] != markerSOI {
		return newError(ErrUnreadableSource, "read stream identifier", "", errNotJPEG)
	}
	return nil
}

func readMarker(br *bufio.Reader) (byte, error) {
	for {
		b, err := br.ReadByte()
		if err != nil {
			return 0, err
		}
		if b != markerStart {
			continue
		}
		for {
			m, err := br.ReadByte()
			if err != nil {
				return 0, err
			}
			if m != markerStart {
				return m, nil
			}
		}
	}
}

func readSegment(br *bufio.Reader) ([]byte, error) {
	length, err := readU16(br)
	if err != nil {
		return nil, err
	}
	if length < 2 {
		return nil, errors.New("invalid segment length")
	}
	payload := make([]byte, int(length-2))
	if _, err := io.ReadFull(br, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

func discardSegment(br *bufio.Reader) error {
	length, err := readU16(br)
	if err != nil {
		return err
	}
	if length < 2 {
		return errors.New("invalid segment length")
	}
	_, err = io.CopyN(io.Discard, br, int64(length-2))
	return err
}

func readU16(br *bufio.Reader) (uint16, error) {
	hi, err := br.ReadByte()
	if err != nil {
		return 0, err
	}
	lo, err := br.ReadByte()
	if err != nil {
		return 0, err
	}
	return uint16(hi)<<8 | uint16(lo), nil
}
