// Package attachment turns uploaded files into message attachments:
// content sniffing, size limits and the object storage round trip.
package attachment

import (
	"bytes"
	"io"
	"mime"

	"github.com/gabriel-vasile/mimetype"
)

type MIME string

const (
	Unknown   MIME = "unknown"
	TextPlain MIME = "text/plain"

	ApplicationPDF  MIME = "application/pdf"
	ApplicationJSON MIME = "application/json"
	ApplicationZIP  MIME = "application/zip"

	ImagePNG  MIME = "image/png"
	ImageJPEG MIME = "image/jpeg"
	ImageGIF  MIME = "image/gif"
	ImageWEBP MIME = "image/webp"

	AudioMPEG MIME = "audio/mpeg"
	VideoMP4  MIME = "video/mp4"
)

// DefaultAllowed is what a conversation accepts without extra configuration.
var DefaultAllowed = []MIME{
	TextPlain, ApplicationPDF, ApplicationJSON, ApplicationZIP,
	ImagePNG, ImageJPEG, ImageGIF, ImageWEBP, AudioMPEG, VideoMP4,
}

// sniffLen is the head read before detection, enough for every allowed type.
const sniffLen = 3072

// Parse strips parameters such as charset, "text/plain; charset=utf-8" is TextPlain.
func Parse(detected string) MIME {
	mt, _, err := mime.ParseMediaType(detected)
	if err != nil {
		return Unknown
	}
	return MIME(mt)
}

// Sniff detects the type of content from its head and returns a reader
// replaying the whole content.
func Sniff(content io.Reader) (MIME, io.Reader, error) {
	head := make([]byte, sniffLen)
	n, err := io.ReadFull(content, head)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return Unknown, nil, err
	}
	head = head[:n]
	detected := Parse(mimetype.Detect(head).String())
	return detected, io.MultiReader(bytes.NewReader(head), content), nil
}
