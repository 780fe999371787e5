package openai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/smallbiznis/stagecraft/internal/provider/domain"
)

func TestStageImageSyncBase64(t *testing.T) {
	staged := []byte("staged-png-bytes")
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/images/edits" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer sk-test" {
			t.Fatalf("unexpected auth header %q", got)
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Fatalf("parse multipart: %v", err)
		}
		if r.FormValue("model") != "gpt-image-1" {
			t.Fatalf("unexpected model %q", r.FormValue("model"))
		}
		if !strings.Contains(r.FormValue("prompt"), "living room") {
			t.Fatalf("prompt missing room type: %q", r.FormValue("prompt"))
		}
		file, header, err := r.FormFile("image")
		if err != nil {
			t.Fatalf("image part: %v", err)
		}
		defer file.Close()
		body, _ := io.ReadAll(file)
		if string(body) != "room" {
			t.Fatalf("unexpected image body %q", body)
		}
		if header.Header.Get("Content-Type") != "image/jpeg" {
			t.Fatalf("unexpected part content type %q", header.Header.Get("Content-Type"))
		}
		if _, _, err := r.FormFile("mask"); err == nil {
			t.Fatalf("mask should be omitted")
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{{"b64_json": base64.StdEncoding.EncodeToString(staged)}},
		})
	}))
	defer server.Close()

	client := New(Options{APIKey: "sk-test", BaseURL: server.URL, HTTPClient: server.Client()}, nil, nil)
	result, err := client.StageImageSync(context.Background(), domain.StageRequest{
		Image:    []byte("room"),
		MimeType: "image/jpeg",
		RoomType: "living_room",
		Style:    "modern",
	})
	if err != nil {
		t.Fatalf("stage: %v", err)
	}
	if string(result.ImageData) != string(staged) {
		t.Fatalf("unexpected image data %q", result.ImageData)
	}
	if result.MimeType != "image/png" {
		t.Fatalf("unexpected mime %q", result.MimeType)
	}
}

func TestStageImageSyncURLOutput(t *testing.T) {
	mux := http.NewServeMux()
	server := httptest.NewServer(mux)
	defer server.Close()

	mux.HandleFunc("/v1/images/edits", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{{"url": server.URL + "/files/out.webp"}},
		})
	})
	mux.HandleFunc("/files/out.webp", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/webp")
		_, _ = w.Write([]byte("webp-bytes"))
	})

	client := New(Options{APIKey: "sk-test", BaseURL: server.URL, HTTPClient: server.Client()}, nil, nil)
	result, err := client.StageImageSync(context.Background(), domain.StageRequest{Image: []byte("room"), MimeType: "image/png"})
	if err != nil {
		t.Fatalf("stage: %v", err)
	}
	if string(result.ImageData) != "webp-bytes" || result.MimeType != "image/webp" {
		t.Fatalf("unexpected result %q %q", result.ImageData, result.MimeType)
	}
}

func TestStageImageSyncRejection(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]any{"message": "Your request was rejected by the safety system.", "type": "image_generation_user_error"},
		})
	}))
	defer server.Close()

	client := New(Options{APIKey: "sk-test", BaseURL: server.URL, HTTPClient: server.Client()}, nil, nil)
	_, err := client.StageImageSync(context.Background(), domain.StageRequest{Image: []byte("room"), MimeType: "image/png"})
	failure, ok := domain.AsFailure(err)
	if !ok {
		t.Fatalf("expected provider failure, got %v", err)
	}
	if failure.Message != "Your request was rejected by the safety system." {
		t.Fatalf("unexpected failure message %q", failure.Message)
	}
}

func TestStageImageSyncServerErrorIsTransient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("upstream down"))
	}))
	defer server.Close()

	client := New(Options{APIKey: "sk-test", BaseURL: server.URL, HTTPClient: server.Client()}, nil, nil)
	_, err := client.StageImageSync(context.Background(), domain.StageRequest{Image: []byte("room"), MimeType: "image/png"})
	if err == nil {
		t.Fatalf("expected error")
	}
	if _, ok := domain.AsFailure(err); ok {
		t.Fatalf("5xx must not be reported as provider failure")
	}
}

func TestNewHandleWithoutKeyIsInvalid(t *testing.T) {
	client := New(Options{}, nil, nil)
	if client.Name() != ProviderName {
		t.Fatalf("unexpected name %q", client.Name())
	}
	if domain.NewSyncHandle(client).Kind != domain.KindSync {
		t.Fatalf("expected sync handle")
	}
	if (domain.Handle{}).Valid() {
		t.Fatalf("zero handle must be invalid")
	}
}
