package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"assetxfer/internal/transfer"
)

// Config contains backend client configuration
type Config struct {
	BaseURL string
	Token   string
	Timeout time.Duration
}

// Client talks to the backend REST API
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewClient creates a new backend client
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("backend base URL cannot be empty")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid backend base URL: %w", err)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.Token,
		http:    &http.Client{Timeout: timeout},
	}, nil
}

type checkFilesRequest struct {
	Files []checkFile `json:"files"`
}

type checkFile struct {
	Index    int    `json:"index"`
	FileName string `json:"file_name"`
	MD5      string `json:"md5"`
	FileSize int64  `json:"file_size"`
}

type checkFilesResponse struct {
	DuplicatedFiles []struct {
		Index int `json:"index"`
	} `json:"duplicated_files"`
}

type credentialRequest struct {
	TaskID    string `json:"task_id"`
	FileName  string `json:"file_name,omitempty"`
	ObjectKey string `json:"oss_key"`
}

type credentialResponse struct {
	AccessKeyID     string    `json:"accessKeyId"`
	AccessKeySecret string    `json:"accessKeySecret"`
	SecurityToken   string    `json:"securityToken"`
	Endpoint        string    `json:"endpoint"`
	BucketName      string    `json:"bucketName"`
	ObjectKey       string    `json:"objectKey"`
	Expiration      time.Time `json:"expiration"`
}

type completeRequest struct {
	ObjectKey string `json:"oss_key"`
	MD5       string `json:"md5,omitempty"`
	FileSize  int64  `json:"file_size"`
}

type outputsResponse struct {
	Files []struct {
		ID        string `json:"id"`
		FileName  string `json:"file_name"`
		FileSize  int64  `json:"file_size"`
		MD5       string `json:"md5"`
		ObjectKey string `json:"oss_key"`
	} `json:"files"`
}

// CheckDuplicates asks which entries are already stored
func (c *Client) CheckDuplicates(ctx context.Context, jobID string, entries []DedupEntry) (DedupResult, error) {
	req := checkFilesRequest{Files: make([]checkFile, len(entries))}
	for i, e := range entries {
		req.Files[i] = checkFile{Index: e.Index, FileName: e.FileName, MD5: e.Hash, FileSize: e.Size}
	}

	var resp checkFilesResponse
	path := fmt.Sprintf("/api/v1/upload-tasks/%s/files/check", url.PathEscape(jobID))
	if err := c.do(ctx, http.MethodPost, path, req, &resp); err != nil {
		return DedupResult{}, err
	}

	result := DedupResult{Duplicates: make([]int, 0, len(resp.DuplicatedFiles))}
	for _, d := range resp.DuplicatedFiles {
		result.Duplicates = append(result.Duplicates, d.Index)
	}
	return result, nil
}

// AcquireCredential requests a temporary credential scoped to one object
func (c *Client) AcquireCredential(ctx context.Context, jobID, remoteKey string, direction transfer.Direction) (*transfer.Credential, error) {
	path := "/api/v1/files/get-upload-credentials"
	if direction == transfer.Download {
		path = "/api/v1/files/get-download-credentials"
	}

	req := credentialRequest{TaskID: jobID, ObjectKey: remoteKey}
	if direction == transfer.Upload {
		req.FileName = remoteKey[strings.LastIndex(remoteKey, "/")+1:]
	}

	var resp credentialResponse
	if err := c.do(ctx, http.MethodPost, path, req, &resp); err != nil {
		return nil, err
	}
	if resp.AccessKeyID == "" || resp.Endpoint == "" || resp.BucketName == "" {
		return nil, fmt.Errorf("incomplete credential response for %s", remoteKey)
	}

	objectKey := resp.ObjectKey
	if objectKey == "" {
		objectKey = remoteKey
	}

	return &transfer.Credential{
		AccessKey:     resp.AccessKeyID,
		SecretKey:     resp.AccessKeySecret,
		SecurityToken: resp.SecurityToken,
		Endpoint:      resp.Endpoint,
		Bucket:        resp.BucketName,
		RemoteKey:     objectKey,
		Secure:        !strings.HasPrefix(resp.Endpoint, "http://"),
		ExpiresAt:     resp.Expiration,
	}, nil
}

// NotifyTransferComplete reports a finished upload
func (c *Client) NotifyTransferComplete(ctx context.Context, jobID, remoteKey, hash string, size int64) error {
	path := fmt.Sprintf("/api/v1/upload-tasks/%s/files/complete", url.PathEscape(jobID))
	return c.do(ctx, http.MethodPost, path, completeRequest{ObjectKey: remoteKey, MD5: hash, FileSize: size}, nil)
}

// ListRemoteFiles lists the downloadable outputs of a job
func (c *Client) ListRemoteFiles(ctx context.Context, jobID string) ([]RemoteFile, error) {
	var resp outputsResponse
	path := fmt.Sprintf("/api/v1/tasks/%s/outputs", url.PathEscape(jobID))
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}

	files := make([]RemoteFile, 0, len(resp.Files))
	for _, f := range resp.Files {
		files = append(files, RemoteFile{
			ID:        f.ID,
			RemoteKey: f.ObjectKey,
			FileName:  f.FileName,
			Size:      f.FileSize,
			Hash:      strings.ToLower(f.MD5),
		})
	}
	return files, nil
}

// do sends a JSON request and decodes a JSON response into out when non-nil
func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return transfer.NewError(transfer.KindCanceled, method+" "+path, err)
		}
		var netErr net.Error
		if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
			return transfer.NewError(transfer.KindNetwork, method+" "+path, err)
		}
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return statusError(method, path, resp)
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s %s: failed to decode response: %w", method, path, err)
	}
	return nil
}

func statusError(method, path string, resp *http.Response) error {
	var payload struct {
		Detail string `json:"detail"`
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	_ = json.Unmarshal(raw, &payload)

	detail := payload.Detail
	if detail == "" {
		detail = http.StatusText(resp.StatusCode)
	}
	err := fmt.Errorf("server returned %d: %s", resp.StatusCode, detail)

	if resp.StatusCode >= http.StatusInternalServerError || resp.StatusCode == http.StatusTooManyRequests {
		return transfer.NewError(transfer.KindNetwork, method+" "+path, err)
	}
	return fmt.Errorf("%s %s: %w", method, path, err)
}
