package segmenter

import (
	"log/slog"
	"unicode/utf16"

	"github.com/linxGnu/gosmpp/data"
)

const (
	maxGSM7Single    = 160
	maxGSM7Multipart = 153 // 160 - 7 septets for UDH
	maxUCS2Single    = 70
	maxUCS2Multipart = 67 // 70 - 3 code units for UDH
)

// Encoding names as understood by the carrier "dcs" field.
const (
	EncodingGSM = "gsm"
	EncodingUCS = "ucs"
)

// Estimate is the encoding and part count a carrier is expected to use for a body.
type Estimate struct {
	Encoding string
	Units    int // septets for GSM, UTF-16 code units for UCS2
	Parts    int
}

// Segmenter estimates how a message body will be split by the carrier.
type Segmenter interface {
	Estimate(message string) Estimate
}

// DefaultSegmenter uses the gosmpp GSM 03.38 tables to decide the encoding.
type DefaultSegmenter struct{}

func NewDefaultSegmenter() *DefaultSegmenter {
	return &DefaultSegmenter{}
}

// Estimate never fails: bodies outside the GSM alphabet fall back to UCS2.
func (s *DefaultSegmenter) Estimate(message string) Estimate {
	if message == "" {
		return Estimate{Encoding: EncodingGSM, Parts: 1}
	}

	// Unpacked GSM7 yields one byte per septet, escapes included.
	if encoded, err := data.GSM7BIT.Encode(message); err == nil {
		units := len(encoded)
		est := Estimate{Encoding: EncodingGSM, Units: units, Parts: parts(units, maxGSM7Single, maxGSM7Multipart)}
		slog.Debug("Estimated message segments", slog.String("encoding", est.Encoding), slog.Int("parts", est.Parts))
		return est
	}

	units := len(utf16.Encode([]rune(message)))
	est := Estimate{Encoding: EncodingUCS, Units: units, Parts: parts(units, maxUCS2Single, maxUCS2Multipart)}
	slog.Debug("Estimated message segments", slog.String("encoding", est.Encoding), slog.Int("parts", est.Parts))
	return est
}

// RequiresUCS2 reports whether the body cannot be represented in GSM7.
func RequiresUCS2(message string) bool {
	_, err := data.GSM7BIT.Encode(message)
	return err != nil
}

func parts(units, single, multi int) int {
	if units <= single {
		return 1
	}
	return (units + multi - 1) / multi
}
