// Package internaldata acquires, parses and imports tenant-owned
// catalog files (CSV, XLSX or XML) into versioned snapshots.
package internaldata

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/sellerhub/sellerhub/store"
)

// Source modes.
const (
	ModeURL    = "url"
	ModeUpload = "upload"
)

// maxSourceBytes caps a downloaded or uploaded catalog file.
const maxSourceBytes = 256 << 20

// probeBytes caps how much of a remote source the connection test
// reads; a header row fits well within it.
const probeBytes = 1 << 10

// SyncError classifies an import failure with the reason code the run
// lifecycle records.
type SyncError struct {
	Reason string
	Err    error
}

func (e *SyncError) Error() string { return fmt.Sprintf("%s: %v", e.Reason, e.Err) }
func (e *SyncError) Unwrap() error { return e.Err }

func syncErr(reason string, err error) *SyncError { return &SyncError{Reason: reason, Err: err} }

// Service runs the Internal Data pipeline: acquire, parse, map,
// persist.
type Service struct {
	Store   *store.InternalData
	DataDir string
	HTTP    *http.Client
	Log     *log.Entry
}

// NewService returns a Service storing uploads under dataDir.
func NewService(st *store.InternalData, dataDir string) *Service {
	return &Service{
		Store:   st,
		DataDir: dataDir,
		HTTP:    &http.Client{Timeout: 5 * time.Minute},
		Log:     log.WithField("component", "internaldata"),
	}
}

// SaveUpload stores an uploaded catalog file under
// DataDir/project_<id>/internal_<UTC timestamp>.<ext> and records the
// path in the project's settings.
func (s *Service) SaveUpload(ctx context.Context, projectID int64, ext string, r io.Reader) (string, error) {
	ext = strings.TrimPrefix(strings.ToLower(ext), ".")
	switch ext {
	case "csv", "xlsx", "xml":
	default:
		return "", fmt.Errorf("unsupported file extension %q", ext)
	}
	var dir = filepath.Join(s.DataDir, fmt.Sprintf("project_%d", projectID))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating upload dir: %w", err)
	}
	var name = fmt.Sprintf("internal_%s.%s", time.Now().UTC().Format("20060102T150405Z"), ext)
	var path = filepath.Join(dir, name)

	out, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("creating upload file: %w", err)
	}
	defer out.Close()
	if _, err := io.Copy(out, io.LimitReader(r, maxSourceBytes)); err != nil {
		return "", fmt.Errorf("writing upload: %w", err)
	}

	settings, err := s.Store.GetSettings(ctx, projectID)
	if err != nil {
		return "", err
	}
	settings.Mode = ModeUpload
	settings.FilePath = &path
	if err := s.Store.PutSettings(ctx, settings); err != nil {
		return "", err
	}
	return path, nil
}

// acquire fetches the configured source and returns its bytes plus the
// detected format.
func (s *Service) acquire(ctx context.Context, settings *store.InternalSettings) ([]byte, Format, error) {
	switch settings.Mode {
	case ModeURL:
		if settings.SourceURL == nil || *settings.SourceURL == "" {
			return nil, "", errors.New("no source url configured")
		}
		return s.download(ctx, *settings.SourceURL)
	case ModeUpload:
		if settings.FilePath == nil || *settings.FilePath == "" {
			return nil, "", errors.New("no uploaded file on record")
		}
		body, err := os.ReadFile(*settings.FilePath)
		if err != nil {
			return nil, "", fmt.Errorf("reading uploaded file: %w", err)
		}
		return body, formatFromPath(*settings.FilePath), nil
	default:
		return nil, "", fmt.Errorf("unknown source mode %q", settings.Mode)
	}
}

func (s *Service) download(ctx context.Context, sourceURL string) ([]byte, Format, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sourceURL, nil)
	if err != nil {
		return nil, "", fmt.Errorf("building download request: %w", err)
	}
	resp, err := s.HTTP.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("downloading source: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("source returned %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxSourceBytes))
	if err != nil {
		return nil, "", fmt.Errorf("reading source body: %w", err)
	}
	var format = formatFromPath(sourceURL)
	if format == "" {
		format = formatFromContentType(resp.Header.Get("Content-Type"))
	}
	if format == "" {
		format = sniffFormat(body)
	}
	return body, format, nil
}

// Test probes the configured source and records the outcome on the
// settings row. URL mode stays bounded: a HEAD plus a first-KB read,
// never the full download the sync path performs. Upload mode parses
// the stored file. No snapshot is written.
func (s *Service) Test(ctx context.Context, projectID int64) error {
	settings, err := s.Store.GetSettings(ctx, projectID)
	if err != nil {
		return err
	}
	var probeErr error
	if settings.Mode == ModeURL {
		if settings.SourceURL == nil || *settings.SourceURL == "" {
			probeErr = errors.New("no source url configured")
		} else {
			probeErr = s.probeURL(ctx, *settings.SourceURL)
		}
	} else {
		var body []byte
		var format Format
		body, format, probeErr = s.acquire(ctx, settings)
		if probeErr == nil {
			_, probeErr = Parse(body, format)
		}
	}
	if probeErr != nil {
		if statusErr := s.Store.SetTestStatus(ctx, projectID, "failed", probeErr.Error()); statusErr != nil {
			return statusErr
		}
		return probeErr
	}
	return s.Store.SetTestStatus(ctx, projectID, "ok", "")
}

// probeURL checks the remote source without downloading it: a HEAD
// request, then a GET that reads at most probeBytes. CSV headers are
// parsed from the prefix; XLSX and XML cannot be decoded from a
// prefix, so their check stops at the signature bytes.
func (s *Service) probeURL(ctx context.Context, sourceURL string) error {
	head, err := http.NewRequestWithContext(ctx, http.MethodHead, sourceURL, nil)
	if err != nil {
		return fmt.Errorf("building probe request: %w", err)
	}
	if resp, headErr := s.HTTP.Do(head); headErr == nil {
		resp.Body.Close()
		switch resp.StatusCode {
		case http.StatusOK:
		case http.StatusMethodNotAllowed, http.StatusNotImplemented:
			// Some hosts refuse HEAD; the capped GET decides.
		default:
			return fmt.Errorf("source returned %d", resp.StatusCode)
		}
	}

	get, err := http.NewRequestWithContext(ctx, http.MethodGet, sourceURL, nil)
	if err != nil {
		return fmt.Errorf("building probe request: %w", err)
	}
	resp, err := s.HTTP.Do(get)
	if err != nil {
		return fmt.Errorf("probing source: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("source returned %d", resp.StatusCode)
	}
	prefix, err := io.ReadAll(io.LimitReader(resp.Body, probeBytes))
	if err != nil {
		return fmt.Errorf("reading source prefix: %w", err)
	}

	var format = formatFromPath(sourceURL)
	if format == "" {
		format = formatFromContentType(resp.Header.Get("Content-Type"))
	}
	if format == "" {
		format = sniffFormat(prefix)
	}
	switch format {
	case FormatCSV:
		_, err := parseCSVHeader(prefix)
		return err
	case FormatXLSX, FormatXML:
		if sniffFormat(prefix) != format {
			return fmt.Errorf("source does not look like %s", format)
		}
		return nil
	default:
		return fmt.Errorf("unknown source format %q", format)
	}
}

// SyncOutcome summarizes one completed import.
type SyncOutcome struct {
	Snapshot  *store.InternalSnapshot
	RowErrors []store.InternalRowError
}

// Sync runs the full pipeline and persists one snapshot. Row-level
// failures degrade the snapshot to partial; only a failure to acquire,
// parse, or persist (or zero imported rows) is an error.
func (s *Service) Sync(ctx context.Context, projectID, runID int64) (*SyncOutcome, error) {
	settings, err := s.Store.GetSettings(ctx, projectID)
	if err != nil {
		return nil, syncErr("missing_required", err)
	}
	body, format, err := s.acquire(ctx, settings)
	if err != nil {
		return nil, syncErr("missing_required", err)
	}
	table, err := Parse(body, format)
	if err != nil {
		return nil, syncErr("parse_error", err)
	}
	mapping, err := ParseMapping(settings.MappingJSON)
	if err != nil {
		return nil, syncErr("transform_error", err)
	}

	rows, rowErrors := mapping.Apply(table)
	var status = store.InternalStatusSuccess
	switch {
	case len(rows) == 0:
		status = store.InternalStatusError
	case len(rowErrors) > 0:
		status = store.InternalStatusPartial
	}

	snap, err := s.Store.SaveSnapshot(ctx, projectID, runID, status, rows, rowErrors, len(table.Rows), time.Now().UTC())
	if err != nil {
		return nil, syncErr("transform_error", err)
	}
	if status == store.InternalStatusError {
		return &SyncOutcome{Snapshot: snap, RowErrors: rowErrors},
			syncErr("transform_error", fmt.Errorf("no rows imported (%d rows failed)", len(rowErrors)))
	}
	return &SyncOutcome{Snapshot: snap, RowErrors: rowErrors}, nil
}

// LegacyRRP parses the configured source as the legacy RRP XML feed and
// projects it straight into rrp rows.
func (s *Service) LegacyRRP(ctx context.Context, projectID int64) ([]store.RRPRow, error) {
	settings, err := s.Store.GetSettings(ctx, projectID)
	if err != nil {
		return nil, syncErr("missing_required", err)
	}
	body, _, err := s.acquire(ctx, settings)
	if err != nil {
		return nil, syncErr("missing_required", err)
	}
	return ParseLegacyRRPXML(body)
}
