package contentstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// IPFS adds content through an IPFS node's HTTP API.
type IPFS struct {
	baseURL string
	http    *http.Client
	logger  *zap.Logger
}

// NewIPFS creates a client for the node at baseURL (e.g. http://localhost:5001)
func NewIPFS(baseURL string, timeout time.Duration, logger *zap.Logger) (*IPFS, error) {
	if baseURL == "" {
		return nil, errors.New("ipfs base URL is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &IPFS{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		logger:  logger,
	}, nil
}

type addResponse struct {
	Name string `json:"Name"`
	Hash string `json:"Hash"`
	Size string `json:"Size"`
}

// Add uploads data with POST /api/v0/add and returns the node's CID.
func (s *IPFS) Add(ctx context.Context, data []byte) (string, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", "blob")
	if err != nil {
		return "", fmt.Errorf("build multipart body: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return "", fmt.Errorf("build multipart body: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("build multipart body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/api/v0/add?pin=true", &body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := s.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("ipfs add: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("ipfs add: read body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("ipfs add returned HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var out addResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("ipfs add: decode response: %w", err)
	}
	if out.Hash == "" {
		return "", errors.New("ipfs add: response carried no hash")
	}
	s.logger.Debug("content added to ipfs", zap.String("cid", out.Hash), zap.Int("bytes", len(data)))
	return out.Hash, nil
}
