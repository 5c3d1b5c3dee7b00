package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"task-outbox/internal/device"
	"task-outbox/internal/models"
	"time"

	"github.com/gabriel-vasile/mimetype"
)

// UploadResult is the created-item descriptor of a successful upload
type UploadResult struct {
	Item json.RawMessage `json:"item,omitempty"`
}

// Uploader delivers one queued upload to the remote endpoint.
// It returns ErrReauthRequired when the endpoint asks for reauthorization.
type Uploader interface {
	Upload(ctx context.Context, upload models.QueuedUpload) (*UploadResult, error)
}

// HTTPUploader posts uploads as multipart forms
type HTTPUploader struct {
	endpoint string
	client   HTTPDoer
}

// NewHTTPUploader creates an uploader for the given endpoint
func NewHTTPUploader(endpoint string, client HTTPDoer) *HTTPUploader {
	if client == nil {
		client = &http.Client{Timeout: 2 * time.Minute}
	}
	return &HTTPUploader{endpoint: endpoint, client: client}
}

type uploadResponse struct {
	OK      *bool           `json:"ok"`
	Code    string          `json:"code"`
	Message string          `json:"message"`
	Error   json.RawMessage `json:"error"`
	Item    json.RawMessage `json:"item"`
}

// Upload sends the multipart form: task_id, display_name, device_id,
// idempotency_key and file
func (u *HTTPUploader) Upload(ctx context.Context, upload models.QueuedUpload) (*UploadResult, error) {
	body, contentType, err := encodeUpload(upload)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("failed to build upload request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set(device.HeaderDeviceID, upload.DeviceID)
	req.Header.Set(device.HeaderIdempotencyKey, upload.IdempotencyKey)

	resp, err := u.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upload request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read upload response: %w", err)
	}

	var parsed uploadResponse
	decodeErr := json.Unmarshal(data, &parsed)

	// a 2xx is delivered unless the body explicitly reports ok: false
	rejected := decodeErr == nil && parsed.OK != nil && !*parsed.OK
	if resp.StatusCode >= 200 && resp.StatusCode <= 299 && !rejected {
		return &UploadResult{Item: parsed.Item}, nil
	}

	code, message := parsed.Code, parsed.Message
	if decodeErr == nil {
		errCode, errMessage := decodeErrorField(parsed.Error)
		if code == "" {
			code = errCode
		}
		if message == "" {
			message = errMessage
		}
	} else {
		message = strings.TrimSpace(string(data))
	}

	if code == ReauthCode {
		return nil, ErrReauthRequired
	}

	return nil, &UploadError{StatusCode: resp.StatusCode, Code: code, Message: message}
}

// decodeErrorField accepts both "error": "CODE" and "error": {"code", "message"}
func decodeErrorField(raw json.RawMessage) (code, message string) {
	if len(raw) == 0 {
		return "", ""
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if s == ReauthCode {
			return s, ""
		}
		return "", s
	}

	var obj struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		return obj.Code, obj.Message
	}

	return "", string(raw)
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

func encodeUpload(upload models.QueuedUpload) (*bytes.Buffer, string, error) {
	buf := &bytes.Buffer{}
	w := multipart.NewWriter(buf)

	fields := [][2]string{{"task_id", upload.TaskID}}
	if upload.DisplayName != "" {
		fields = append(fields, [2]string{"display_name", upload.DisplayName})
	}
	fields = append(fields,
		[2]string{device.FieldDeviceID, upload.DeviceID},
		[2]string{device.FieldIdempotencyKey, upload.IdempotencyKey},
	)
	for _, field := range fields {
		if err := w.WriteField(field[0], field[1]); err != nil {
			return nil, "", fmt.Errorf("failed to write %s field: %w", field[0], err)
		}
	}

	fileName := upload.FileName
	if fileName == "" {
		fileName = upload.DisplayName
	}
	if fileName == "" {
		fileName = "upload"
	}

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename="%s"`, quoteEscaper.Replace(fileName)))
	h.Set("Content-Type", mimetype.Detect(upload.File).String())

	part, err := w.CreatePart(h)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create file part: %w", err)
	}
	if _, err := part.Write(upload.File); err != nil {
		return nil, "", fmt.Errorf("failed to write file part: %w", err)
	}

	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("failed to finish multipart body: %w", err)
	}

	return buf, w.FormDataContentType(), nil
}
