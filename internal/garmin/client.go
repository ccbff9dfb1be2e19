package garmin

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"
)

const defaultPageSize = 100

// ClientOptions configures a Client.
type ClientOptions struct {
	// BaseURL is the Garmin Connect base URL. Defaults to the live
	// service.
	BaseURL string
	// PageSize is the catalog listing batch size. Defaults to 100,
	// the maximum the listing service accepts.
	PageSize int
	// PageRetries is the number of retries for a failed catalog page
	// fetch before the listing gives up. Defaults to 2.
	PageRetries uint64
	Logger      zerolog.Logger
}

// Client reads the activity catalog and exports activity artifacts
// through an authenticated Session. Endpoint shapes are owned by the
// remote service and isolated here: when Garmin moves an endpoint,
// this is the only file that should need to change.
type Client struct {
	session     *Session
	base        string
	pageSize    int
	pageRetries uint64
	log         zerolog.Logger
}

// NewClient creates a catalog/export client on an authenticated session.
func NewClient(session *Session, opts ClientOptions) *Client {
	if opts.BaseURL == "" {
		opts.BaseURL = defaultConnectBaseURL
	}
	if opts.PageSize <= 0 {
		opts.PageSize = defaultPageSize
	}
	if opts.PageRetries == 0 {
		opts.PageRetries = 2
	}
	return &Client{
		session:     session,
		base:        strings.TrimRight(opts.BaseURL, "/"),
		pageSize:    opts.PageSize,
		pageRetries: opts.PageRetries,
		log:         opts.Logger,
	}
}

// activityEnvelope is the slice element of the activity listing
// response. Only the fields needed downstream are decoded.
type activityEnvelope struct {
	ActivityID   int64  `json:"activityId"`
	StartTimeGMT string `json:"startTimeGMT"`
	ActivityType struct {
		TypeKey string `json:"typeKey"`
	} `json:"activityType"`
}

// Activities returns a lazy sequence of the account's activities in
// the order the catalog reports them (most recent upload first).
// Pages are fetched strictly in offset order and each failed page is
// retried a bounded number of times; if a page still can't be fetched
// the sequence yields a *CatalogError and ends. Activities beyond the
// failed page are not seen this run.
func (c *Client) Activities(ctx context.Context) iter.Seq2[Activity, error] {
	return func(yield func(Activity, error) bool) {
		for start := 0; ; start += c.pageSize {
			page, err := c.fetchPage(ctx, start)
			if err != nil {
				yield(Activity{}, &CatalogError{Start: start, Err: err})
				return
			}
			c.log.Debug().Int("start", start).Int("count", len(page)).Msg("fetched catalog page")
			for _, a := range page {
				if !yield(a, nil) {
					return
				}
			}
			if len(page) < c.pageSize {
				return
			}
		}
	}
}

func (c *Client) fetchPage(ctx context.Context, start int) ([]Activity, error) {
	op := func() ([]Activity, error) {
		page, retryable, err := c.fetchPageOnce(ctx, start)
		if err != nil && !retryable {
			return nil, backoff.Permanent(err)
		}
		return page, err
	}
	bo := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), c.pageRetries), ctx)
	return backoff.RetryWithData(op, bo)
}

func (c *Client) fetchPageOnce(ctx context.Context, start int) (page []Activity, retryable bool, err error) {
	listURL := c.base + "/modern/proxy/activitylist-service/activities/search/activities?" +
		url.Values{
			"start": {strconv.Itoa(start)},
			"limit": {strconv.Itoa(c.pageSize)},
		}.Encode()
	resp, err := c.session.Get(ctx, listURL)
	if err != nil {
		return nil, IsTransient(err) && ctx.Err() == nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		retryable := resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500
		return nil, retryable, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	var envelopes []activityEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&envelopes); err != nil {
		return nil, false, fmt.Errorf("failed to decode activity listing: %w", err)
	}
	for _, e := range envelopes {
		startTime, err := parseGarminTime(e.StartTimeGMT)
		if err != nil {
			return nil, false, fmt.Errorf("activity %d: bad start time %q: %w", e.ActivityID, e.StartTimeGMT, err)
		}
		page = append(page, Activity{
			ID:        e.ActivityID,
			StartTime: startTime,
			Type:      e.ActivityType.TypeKey,
		})
	}
	return page, false, nil
}

// Activity fetches the descriptor of a single activity by id.
func (c *Client) Activity(ctx context.Context, id int64) (Activity, error) {
	resp, err := c.session.Get(ctx, c.summaryURL(id))
	if err != nil {
		return Activity{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Activity{}, &FetchError{ActivityID: id, Format: FormatJSONSummary, Status: resp.StatusCode}
	}
	var summary struct {
		ActivityID int64 `json:"activityId"`
		SummaryDTO struct {
			StartTimeGMT string `json:"startTimeGMT"`
		} `json:"summaryDTO"`
		ActivityTypeDTO struct {
			TypeKey string `json:"typeKey"`
		} `json:"activityTypeDTO"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&summary); err != nil {
		return Activity{}, fmt.Errorf("failed to decode activity %d summary: %w", id, err)
	}
	start, err := parseGarminTime(summary.SummaryDTO.StartTimeGMT)
	if err != nil {
		return Activity{}, fmt.Errorf("activity %d: bad start time: %w", id, err)
	}
	return Activity{ID: summary.ActivityID, StartTime: start, Type: summary.ActivityTypeDTO.TypeKey}, nil
}

// Export fetches the artifact for one activity in one format. The
// three-way outcome matters: (data, true, nil) on success,
// (nil, false, nil) when the activity genuinely has no such export,
// and an error only for real failures.
func (c *Client) Export(ctx context.Context, activity Activity, format ExportFormat) (data []byte, available bool, err error) {
	switch format {
	case FormatGPX, FormatTCX:
		return c.exportDownloadService(ctx, activity.ID, format)
	case FormatJSONSummary:
		return c.exportJSON(ctx, activity.ID, format, c.summaryURL(activity.ID))
	case FormatJSONDetails:
		return c.exportJSON(ctx, activity.ID, format, c.summaryURL(activity.ID)+"/details")
	case FormatFIT:
		return c.exportFIT(ctx, activity.ID)
	default:
		return nil, false, fmt.Errorf("unsupported export format %q", format)
	}
}

// exportDownloadService fetches GPX or TCX through the download
// service. A 404 (and for GPX a 204) means the export doesn't exist
// for this activity, e.g. a manually entered one without device data.
func (c *Client) exportDownloadService(ctx context.Context, id int64, format ExportFormat) ([]byte, bool, error) {
	exportURL := fmt.Sprintf("%s/modern/proxy/download-service/export/%s/activity/%d", c.base, format, id)
	resp, err := c.session.Get(ctx, exportURL)
	if err != nil {
		return nil, false, wrapFetchErr(id, format, err)
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusNotFound, http.StatusNoContent:
		return nil, false, nil
	case http.StatusOK:
	default:
		return nil, false, &FetchError{ActivityID: id, Format: format, Status: resp.StatusCode}
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, false, wrapFetchErr(id, format, err)
	}
	return data, true, nil
}

// exportJSON fetches the summary or details document and re-encodes it
// indented, so backed up JSON stays diffable.
func (c *Client) exportJSON(ctx context.Context, id int64, format ExportFormat, docURL string) ([]byte, bool, error) {
	resp, err := c.session.Get(ctx, docURL)
	if err != nil {
		return nil, false, wrapFetchErr(id, format, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, false, &FetchError{ActivityID: id, Format: format, Status: resp.StatusCode}
	}
	var doc any
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, false, &FetchError{ActivityID: id, Format: format,
			Err: fmt.Errorf("malformed response: %w", err)}
	}
	data, err := json.MarshalIndent(doc, "", "    ")
	if err != nil {
		return nil, false, &FetchError{ActivityID: id, Format: format, Err: err}
	}
	return data, true, nil
}

// exportFIT fetches the originally uploaded file, which the download
// service delivers as a zip archive. A 404 means a manually entered
// activity without a file source; the endpoint has lately also been
// seen answering 500 for those, so that is treated the same way. An
// original that isn't a .fit (activity uploaded as gpx/tcx) cannot be
// exported to FIT either.
func (c *Client) exportFIT(ctx context.Context, id int64) ([]byte, bool, error) {
	filesURL := fmt.Sprintf("%s/modern/proxy/download-service/files/activity/%d", c.base, id)
	resp, err := c.session.Get(ctx, filesURL)
	if err != nil {
		return nil, false, wrapFetchErr(id, FormatFIT, err)
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusNotFound, http.StatusInternalServerError:
		return nil, false, nil
	case http.StatusOK:
	default:
		return nil, false, &FetchError{ActivityID: id, Format: FormatFIT, Status: resp.StatusCode}
	}
	archive, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, false, wrapFetchErr(id, FormatFIT, err)
	}
	zr, err := zip.NewReader(bytes.NewReader(archive), int64(len(archive)))
	if err != nil {
		return nil, false, &FetchError{ActivityID: id, Format: FormatFIT,
			Err: fmt.Errorf("malformed file archive: %w", err)}
	}
	for _, entry := range zr.File {
		stem := strings.TrimSuffix(path.Base(entry.Name), path.Ext(entry.Name))
		if stem != strconv.FormatInt(id, 10) {
			continue
		}
		if !strings.EqualFold(path.Ext(entry.Name), ".fit") {
			// Original upload was gpx/tcx, no FIT exists.
			return nil, false, nil
		}
		f, err := entry.Open()
		if err != nil {
			return nil, false, &FetchError{ActivityID: id, Format: FormatFIT, Err: err}
		}
		defer f.Close()
		data, err := io.ReadAll(f)
		if err != nil {
			return nil, false, &FetchError{ActivityID: id, Format: FormatFIT, Err: err}
		}
		return data, true, nil
	}
	return nil, false, nil
}

func (c *Client) summaryURL(id int64) string {
	return fmt.Sprintf("%s/modern/proxy/activity-service/activity/%d", c.base, id)
}

func wrapFetchErr(id int64, format ExportFormat, err error) error {
	var fe *FetchError
	if errors.As(err, &fe) {
		return err
	}
	return &FetchError{ActivityID: id, Format: format, Err: err}
}

// parseGarminTime parses the handful of timestamp spellings the
// activity services use. All of them are GMT.
func parseGarminTime(s string) (time.Time, error) {
	layouts := []string{
		"2006-01-02 15:04:05",
		"2006-01-02T15:04:05.0",
		"2006-01-02T15:04:05",
		time.RFC3339,
	}
	for _, layout := range layouts {
		if parsed, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return parsed, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}
