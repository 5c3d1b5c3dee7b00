package service

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"task-outbox/internal/device"
	"task-outbox/internal/models"
	"testing"
)

func testUpload() models.QueuedUpload {
	return models.QueuedUpload{
		TaskID:         "task-42",
		DisplayName:    "Receipt March",
		FileName:       "receipt.png",
		File:           []byte("\x89PNG\r\n\x1a\n0000"),
		DeviceID:       "dev-1",
		IdempotencyKey: "key-1",
	}
}

func TestHTTPUploader_SendsMultipartFields(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		if r.Header.Get(device.HeaderIdempotencyKey) != "key-1" {
			t.Errorf("expected key header key-1, got %q", r.Header.Get(device.HeaderIdempotencyKey))
		}

		mr, err := r.MultipartReader()
		if err != nil {
			t.Errorf("expected multipart body, got %v", err)
			return
		}

		var names []string
		values := make(map[string]string)
		for {
			part, err := mr.NextPart()
			if err == io.EOF {
				break
			}
			if err != nil {
				t.Errorf("failed to read part: %v", err)
				return
			}
			data, _ := io.ReadAll(part)
			names = append(names, part.FormName())
			values[part.FormName()] = string(data)

			if part.FormName() == "file" {
				if part.FileName() != "receipt.png" {
					t.Errorf("expected filename receipt.png, got %q", part.FileName())
				}
				if ct := part.Header.Get("Content-Type"); ct != "image/png" {
					t.Errorf("expected image/png, got %q", ct)
				}
			}
		}

		expected := []string{"task_id", "display_name", "device_id", "idempotency_key", "file"}
		if strings.Join(names, ",") != strings.Join(expected, ",") {
			t.Errorf("expected fields %v, got %v", expected, names)
		}
		if values["task_id"] != "task-42" || values["device_id"] != "dev-1" || values["idempotency_key"] != "key-1" {
			t.Errorf("unexpected field values %v", values)
		}

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ok":true,"item":{"id":"att-9"}}`))
	}))
	defer server.Close()

	uploader := NewHTTPUploader(server.URL, server.Client())
	result, err := uploader.Upload(context.Background(), testUpload())
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if string(result.Item) != `{"id":"att-9"}` {
		t.Errorf("expected created item, got %s", result.Item)
	}
}

func TestHTTPUploader_OmitsEmptyDisplayName(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("failed to parse form: %v", err)
			return
		}
		if _, ok := r.MultipartForm.Value["display_name"]; ok {
			t.Error("expected no display_name field")
		}
		w.WriteHeader(http.StatusCreated)
	}))
	defer server.Close()

	upload := testUpload()
	upload.DisplayName = ""

	if _, err := NewHTTPUploader(server.URL, server.Client()).Upload(context.Background(), upload); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
}

func TestHTTPUploader_DetectsReauthorization(t *testing.T) {
	bodies := map[string]string{
		"code field":   `{"ok":false,"code":"NEED_REAUTH"}`,
		"error string": `{"ok":false,"error":"NEED_REAUTH"}`,
		"error object": `{"ok":false,"error":{"code":"NEED_REAUTH","message":"token expired"}}`,
	}

	for name, body := range bodies {
		t.Run(name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusUnauthorized)
				w.Write([]byte(body))
			}))
			defer server.Close()

			_, err := NewHTTPUploader(server.URL, server.Client()).Upload(context.Background(), testUpload())
			if !errors.Is(err, ErrReauthRequired) {
				t.Errorf("expected ErrReauthRequired, got %v", err)
			}
		})
	}
}

func TestHTTPUploader_OtherFailures(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"ok":false,"error":"file too large"}`))
	}))
	defer server.Close()

	_, err := NewHTTPUploader(server.URL, server.Client()).Upload(context.Background(), testUpload())

	var uploadErr *UploadError
	if !errors.As(err, &uploadErr) {
		t.Fatalf("expected UploadError, got %v", err)
	}
	if uploadErr.StatusCode != http.StatusBadRequest || uploadErr.Message != "file too large" {
		t.Errorf("unexpected error %+v", uploadErr)
	}
	if errors.Is(err, ErrReauthRequired) {
		t.Error("expected no reauthorization for a plain failure")
	}
}

func TestHTTPUploader_NetworkError(t *testing.T) {
	doer := &scriptedDoer{respond: offline()}

	_, err := NewHTTPUploader("https://uploads.example.com", doer).Upload(context.Background(), testUpload())
	if !errors.Is(err, errNetworkDown) {
		t.Errorf("expected network error, got %v", err)
	}
}

func TestHTTPUploader_OKFalseWithSuccessStatus(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		reauth bool
	}{
		{"reauth error object", `{"ok":false,"error":{"code":"NEED_REAUTH","message":"token expired"}}`, true},
		{"reauth code field", `{"ok":false,"code":"NEED_REAUTH"}`, true},
		{"plain rejection", `{"ok":false,"error":"quota exceeded"}`, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusOK)
				w.Write([]byte(tt.body))
			}))
			defer server.Close()

			_, err := NewHTTPUploader(server.URL, server.Client()).Upload(context.Background(), testUpload())
			if tt.reauth {
				if !errors.Is(err, ErrReauthRequired) {
					t.Errorf("expected ErrReauthRequired, got %v", err)
				}
				return
			}

			var uploadErr *UploadError
			if !errors.As(err, &uploadErr) {
				t.Fatalf("expected UploadError, got %v", err)
			}
			if uploadErr.StatusCode != http.StatusOK || uploadErr.Message != "quota exceeded" {
				t.Errorf("unexpected error %+v", uploadErr)
			}
		})
	}
}

func TestUploadQueue_OKFalseResponseKeepsUpload(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"ok":false,"error":{"code":"NEED_REAUTH","message":"token expired"}}`))
	}))
	defer server.Close()

	repo := newMockRepository()
	q, _ := newTestQueue(repo, NewHTTPUploader(server.URL, server.Client()), newFakeClock())

	result, err := q.Enqueue(context.Background(), testDescriptor("task-1"))
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if result.Outcome != OutcomeNeedsReauth {
		t.Errorf("expected needs_reauth, got %s", result.Outcome)
	}
	if repo.count() != 1 {
		t.Errorf("expected upload to stay queued, got %d records", repo.count())
	}
	if !q.Gate().Required() {
		t.Error("expected gate to be set")
	}
}
