package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	proxyerrors "github.com/caio-sobreiro/pacsproxy/errors"
)

// UploadTimeout bounds one study ZIP upload attempt.
const UploadTimeout = 300 * time.Second

// ListSubjects returns the workspace's subjects, optionally filtered.
func (c *Client) ListSubjects(ctx context.Context, filters url.Values) ([]Subject, error) {
	path, err := c.workspacePath("/subjects")
	if err != nil {
		return nil, err
	}
	var subjects []Subject
	if err := c.getJSON(ctx, path, filters, &subjects); err != nil {
		return nil, err
	}
	return subjects, nil
}

// GetSubject returns one subject by ID.
func (c *Client) GetSubject(ctx context.Context, id string) (*Subject, error) {
	path, err := c.workspacePath("/subjects/" + url.PathEscape(id))
	if err != nil {
		return nil, err
	}
	var subject Subject
	if err := c.getJSON(ctx, path, nil, &subject); err != nil {
		return nil, err
	}
	return &subject, nil
}

// DownloadSubject streams the subject's ZIP to destPath.
func (c *Client) DownloadSubject(ctx context.Context, id, destPath string, progress ProgressFunc) error {
	path, err := c.workspacePath("/subjects/" + url.PathEscape(id) + "/download")
	if err != nil {
		return err
	}
	return c.downloadToFile(ctx, path, compressionQuery(), destPath, progress)
}

// ListSessions returns the workspace's sessions, optionally filtered.
func (c *Client) ListSessions(ctx context.Context, filters url.Values) ([]SessionInfo, error) {
	path, err := c.workspacePath("/sessions")
	if err != nil {
		return nil, err
	}
	var sessions []SessionInfo
	if err := c.getJSON(ctx, path, filters, &sessions); err != nil {
		return nil, err
	}
	return sessions, nil
}

// GetSession returns one session by ID.
func (c *Client) GetSession(ctx context.Context, id string) (*SessionInfo, error) {
	path, err := c.workspacePath("/sessions/" + url.PathEscape(id))
	if err != nil {
		return nil, err
	}
	var session SessionInfo
	if err := c.getJSON(ctx, path, nil, &session); err != nil {
		return nil, err
	}
	return &session, nil
}

// DownloadSession streams the session's ZIP to destPath.
func (c *Client) DownloadSession(ctx context.Context, id, destPath string, progress ProgressFunc) error {
	path, err := c.workspacePath("/sessions/" + url.PathEscape(id) + "/download")
	if err != nil {
		return err
	}
	return c.downloadToFile(ctx, path, compressionQuery(), destPath, progress)
}

// DownloadScan streams the scan's ZIP to destPath. Scans are addressed
// within their subject and session.
func (c *Client) DownloadScan(ctx context.Context, id, subjectID, sessionID, destPath string, progress ProgressFunc) error {
	path, err := c.workspacePath("/scans/" + url.PathEscape(id) + "/download")
	if err != nil {
		return err
	}
	query := compressionQuery()
	query.Set("subject_id", subjectID)
	query.Set("session_id", sessionID)
	return c.downloadToFile(ctx, path, query, destPath, progress)
}

func compressionQuery() url.Values {
	query := url.Values{}
	query.Set("compression_format", "zip")
	query.Set("compression_level", "0")
	return query
}

// CreateArchive submits a custom archive job.
func (c *Client) CreateArchive(ctx context.Context, req *ArchiveRequest) (*ArchiveResponse, error) {
	path, err := c.workspacePath("/archives")
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode archive request: %w", err)
	}

	httpReq, err := c.newRequest(ctx, http.MethodPost, path, nil, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to create archive: %w", err)
	}
	defer resp.Body.Close()
	if err := c.checkStatus(resp, "POST "+path); err != nil {
		return nil, err
	}

	var archive ArchiveResponse
	if err := json.NewDecoder(resp.Body).Decode(&archive); err != nil {
		return nil, fmt.Errorf("failed to decode archive response: %w", err)
	}
	return &archive, nil
}

// GetArchive polls a custom archive job.
func (c *Client) GetArchive(ctx context.Context, id string) (*ArchiveResponse, error) {
	path, err := c.workspacePath("/archives/" + url.PathEscape(id))
	if err != nil {
		return nil, err
	}
	var archive ArchiveResponse
	if err := c.getJSON(ctx, path, nil, &archive); err != nil {
		return nil, err
	}
	return &archive, nil
}

// DownloadArchive streams a finished custom archive to destPath.
func (c *Client) DownloadArchive(ctx context.Context, id, destPath string, progress ProgressFunc) error {
	path, err := c.workspacePath("/archives/" + url.PathEscape(id) + "/download")
	if err != nil {
		return err
	}
	return c.downloadToFile(ctx, path, nil, destPath, progress)
}

// UploadArchive posts one study ZIP as multipart form data. Retries are
// the caller's responsibility; one call is one attempt.
func (c *Client) UploadArchive(ctx context.Context, req *UploadRequest) (*UploadResponse, error) {
	path, err := c.workspacePath("/archives/upload")
	if err != nil {
		return nil, err
	}

	file, err := os.Open(req.FilePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open archive: %w", err)
	}
	defer file.Close()

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	part, err := writer.CreateFormFile("file", filepath.Base(req.FilePath))
	if err != nil {
		return nil, fmt.Errorf("failed to build multipart: %w", err)
	}
	if _, err := io.Copy(part, file); err != nil {
		return nil, fmt.Errorf("failed to read archive: %w", err)
	}

	fields := map[string]string{
		"name":                req.Name,
		"patient_id":          req.PatientID,
		"study_description":   req.StudyDescription,
		"conflict_resolution": req.ConflictResolution,
	}
	if req.Metadata != nil {
		metadata, err := json.Marshal(req.Metadata)
		if err != nil {
			return nil, fmt.Errorf("failed to encode metadata: %w", err)
		}
		fields["metadata"] = string(metadata)
	}
	for key, value := range fields {
		if err := writer.WriteField(key, value); err != nil {
			return nil, fmt.Errorf("failed to write field %s: %w", key, err)
		}
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to finish multipart: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, UploadTimeout)
	defer cancel()

	httpReq, err := c.newRequest(ctx, http.MethodPost, path, nil, &body)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", writer.FormDataContentType())

	op := "POST " + path
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, proxyerrors.NewNetworkError(op, err)
	}
	defer resp.Body.Close()
	if err := c.checkStatus(resp, op); err != nil {
		return nil, err
	}

	var upload UploadResponse
	if err := json.NewDecoder(resp.Body).Decode(&upload); err != nil {
		return nil, fmt.Errorf("failed to decode upload response: %w", err)
	}
	return &upload, nil
}
