package service

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"mime"
	"path"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

// sniffLen is how many leading bytes are inspected to detect a content type.
const sniffLen = 3072

// Payload is the file content handed to Upload.
type Payload struct {
	Body        io.Reader
	Filename    string // Client supplied, used for display and Content-Disposition
	ContentType string // Declared type; inferred when empty
}

// preparedPayload is a payload whose bytes have been hashed and can be re-read from the start.
type preparedPayload struct {
	body        io.ReadSeeker
	filename    string
	contentType string
	size        int64
	checksum    string
}

// preparePayload computes size and checksum over the full content, rewinding
// seekable bodies and buffering the others.
func preparePayload(p Payload) (*preparedPayload, error) {
	if p.Body == nil {
		return nil, fmt.Errorf("payload body is required")
	}

	body, ok := p.Body.(io.ReadSeeker)
	if !ok {
		buf, err := io.ReadAll(p.Body)
		if err != nil {
			return nil, fmt.Errorf("read payload: %w", err)
		}
		body = bytes.NewReader(buf)
	} else if _, err := body.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("rewind payload: %w", err)
	}

	checksum, size, err := checksumOf(body)
	if err != nil {
		return nil, err
	}

	contentType, err := resolveContentType(p.ContentType, p.Filename, body)
	if err != nil {
		return nil, err
	}
	if _, err := body.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("rewind payload: %w", err)
	}

	return &preparedPayload{
		body:        body,
		filename:    cleanFilename(p.Filename),
		contentType: contentType,
		size:        size,
		checksum:    checksum,
	}, nil
}

// cleanFilename drops any directory part a client may send along with the name.
func cleanFilename(name string) string {
	name = strings.TrimSpace(strings.ReplaceAll(name, `\`, "/"))
	base := path.Base(name)
	if base == "/" || base == "." {
		return ""
	}
	return base
}

// checksumOf returns the SHA-256 hex digest and length of r's remaining content.
func checksumOf(r io.Reader) (string, int64, error) {
	h := sha256.New()
	n, err := io.Copy(h, r)
	if err != nil {
		return "", 0, fmt.Errorf("hash payload: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

// resolveContentType prefers the declared type, then the filename extension,
// then sniffs the first bytes of body.
func resolveContentType(declared, filename string, body io.ReadSeeker) (string, error) {
	if ct := strings.TrimSpace(declared); ct != "" {
		return ct, nil
	}
	if ext := path.Ext(filename); ext != "" {
		if ct := mime.TypeByExtension(strings.ToLower(ext)); ct != "" {
			return ct, nil
		}
	}

	if _, err := body.Seek(0, io.SeekStart); err != nil {
		return "", fmt.Errorf("rewind payload: %w", err)
	}
	sample := make([]byte, sniffLen)
	n, err := io.ReadFull(body, sample)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return "", fmt.Errorf("sniff payload: %w", err)
	}
	return mimetype.Detect(sample[:n]).String(), nil
}
