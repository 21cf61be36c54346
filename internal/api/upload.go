package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/dgnsrekt/screencapture/internal/authority"
	"github.com/dgnsrekt/screencapture/internal/capture"
)

const maxUploadBytes = 32 << 20

// uploadHandler accepts captured frames from renderers. Multipart posts
// carry the image as a file part; JSON posts carry a base64 data URL in
// the imageData field.
func uploadHandler(auth TokenAuthority) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tok := r.Header.Get(capture.TokenHeader)

		data, formField, err := readUploadBody(r)
		if err != nil {
			writeUploadError(w, capture.NewError(capture.CodeValidation, err.Error(), nil))
			return
		}

		meta, err := auth.ReceiveUpload(tok, data, formField, r.RemoteAddr)
		if err != nil {
			writeUploadError(w, err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(capture.UploadResponse{
			SnapshotID: meta.ID,
			Format:     meta.Format,
			Width:      meta.Width,
			Height:     meta.Height,
			SizeBytes:  meta.SizeBytes,
		}); err != nil {
			slog.Debug("upload response write failed", "error", err)
		}
	}
}

func readUploadBody(r *http.Request) ([]byte, string, error) {
	ct := r.Header.Get("Content-Type")
	if strings.HasPrefix(ct, "multipart/form-data") {
		if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
			return nil, "", err
		}
		for field, headers := range r.MultipartForm.File {
			if len(headers) == 0 {
				continue
			}
			f, err := headers[0].Open()
			if err != nil {
				return nil, "", err
			}
			defer f.Close()
			data, err := io.ReadAll(f)
			if err != nil {
				return nil, "", err
			}
			return data, field, nil
		}
		return nil, "", errors.New("multipart body has no file part")
	}

	var body struct {
		ImageData string `json:"imageData"`
		DataType  string `json:"dataType"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, maxUploadBytes)).Decode(&body); err != nil {
		return nil, "", err
	}
	data, err := authority.DecodeDataURL(body.ImageData)
	if err != nil {
		return nil, "", err
	}
	return data, "", nil
}

func writeUploadError(w http.ResponseWriter, err error) {
	code := ""
	var coded *capture.CodedError
	if errors.As(err, &coded) {
		code = coded.Code
	}
	status := http.StatusInternalServerError
	switch code {
	case capture.CodeValidation:
		status = http.StatusBadRequest
	case capture.CodeTokenUnknown, capture.CodeTokenConsumed:
		status = http.StatusUnauthorized
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if werr := json.NewEncoder(w).Encode(map[string]string{"code": code, "message": err.Error()}); werr != nil {
		slog.Debug("upload error response write failed", "error", werr)
	}
}
