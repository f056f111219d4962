package outbound

import (
	"bytes"
	"fmt"

	"github.com/sunshineplan/imgconv"

	"github.com/wamux/wamux/internal/transport"
)

const (
	maxImageBytes    = 10 << 20 // 10 MiB
	maxDocumentBytes = 50 << 20 // 50 MiB

	maxImageWidth  = 1024
	thumbnailWidth = 72
)

// prepareMedia validates the payload before a slot is consumed. Images are
// decoded to prove they really are images, downscaled when oversized and get
// a small preview thumbnail attached.
func prepareMedia(payload transport.Payload) (transport.Payload, error) {
	switch payload.Kind {
	case transport.PayloadText:
		if payload.Text == "" {
			return payload, fmt.Errorf("%w: empty message text", ErrInvalidMedia)
		}
		return payload, nil

	case transport.PayloadImage:
		if len(payload.Media) == 0 {
			return payload, fmt.Errorf("%w: empty image", ErrInvalidMedia)
		}
		if len(payload.Media) > maxImageBytes {
			return payload, fmt.Errorf("%w: image exceeds %d bytes", ErrInvalidMedia, maxImageBytes)
		}

		img, err := imgconv.Decode(bytes.NewReader(payload.Media))
		if err != nil {
			return payload, fmt.Errorf("%w: %v", ErrInvalidMedia, err)
		}

		if img.Bounds().Dx() > maxImageWidth {
			resized := imgconv.Resize(img, &imgconv.ResizeOption{Width: maxImageWidth})
			var buf bytes.Buffer
			if err := imgconv.Write(&buf, resized, &imgconv.FormatOption{Format: imgconv.JPEG}); err != nil {
				return payload, fmt.Errorf("%w: %v", ErrInvalidMedia, err)
			}
			payload.Media = buf.Bytes()
			payload.MimeType = "image/jpeg"
			img = resized
		}

		thumb := imgconv.Resize(img, &imgconv.ResizeOption{Width: thumbnailWidth})
		var tbuf bytes.Buffer
		if err := imgconv.Write(&tbuf, thumb, &imgconv.FormatOption{Format: imgconv.JPEG}); err == nil {
			payload.Thumbnail = tbuf.Bytes()
		}
		return payload, nil

	case transport.PayloadDocument:
		if len(payload.Media) == 0 {
			return payload, fmt.Errorf("%w: empty document", ErrInvalidMedia)
		}
		if len(payload.Media) > maxDocumentBytes {
			return payload, fmt.Errorf("%w: document exceeds %d bytes", ErrInvalidMedia, maxDocumentBytes)
		}
		if payload.FileName == "" {
			return payload, fmt.Errorf("%w: document needs a file name", ErrInvalidMedia)
		}
		return payload, nil
	}

	return payload, fmt.Errorf("%w: unsupported payload kind %q", ErrInvalidMedia, payload.Kind)
}
