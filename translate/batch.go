package translate

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Batch mode trades latency for cost: every file's comments are packed into
// one JSONL upload, a server-side batch job runs them, and a single poll
// loop waits for the results. Files whose prompt would exceed the request
// size limit are split into chunks and reassembled from the per-chunk
// responses.

const (
	// maxRequestBytes caps the user prompt of one batch request. Larger
	// files are split across several requests.
	maxRequestBytes = 15000

	batchEndpoint    = "/v4/chat/completions"
	completionWindow = "24h"
	pollInterval     = 10 * time.Second
)

// FileRequest is the translatable comment texts of one file.
type FileRequest struct {
	Path  string
	Texts []string
}

// FileResult is the outcome for one file. Either Texts holds one
// translation per requested text, or Err explains the failure.
type FileResult struct {
	Texts []string
	Err   error
}

// BatchClient runs translation through the batch API.
type BatchClient struct {
	opts Options
	http *HTTPClient
}

// NewBatchClient builds a batch client sharing the HTTP plumbing of the
// synchronous client.
func NewBatchClient(opts Options) *BatchClient {
	return &BatchClient{opts: opts, http: NewHTTPClient(opts)}
}

// ---------------------------------------------------------------------------
// Request packing
// ---------------------------------------------------------------------------

// batchLine is one JSONL record of the upload file.
type batchLine struct {
	CustomID string      `json:"custom_id"`
	Method   string      `json:"method"`
	URL      string      `json:"url"`
	Body     chatRequest `json:"body"`
}

// chunkRef locates one request's texts inside its file.
type chunkRef struct {
	path  string
	index int // chunk index within the file
	count int // texts in this chunk
}

// customID encodes the file path and chunk position. A single-chunk file
// keeps the short form.
func customID(path string, index, totalChunks int) string {
	if totalChunks == 1 {
		return path + "::fullfile"
	}
	return fmt.Sprintf("%s::chunk::%d", path, index)
}

// chunkTexts splits texts greedily so each chunk's prompt stays under
// maxRequestBytes. An oversized single comment still gets its own chunk.
func chunkTexts(texts []string) [][]string {
	var chunks [][]string
	var cur []string
	size := 0
	for _, t := range texts {
		n := len(t) + 16 // numbering and blank-line overhead
		if len(cur) > 0 && size+n > maxRequestBytes {
			chunks = append(chunks, cur)
			cur = nil
			size = 0
		}
		cur = append(cur, t)
		size += n
	}
	if len(cur) > 0 {
		chunks = append(chunks, cur)
	}
	return chunks
}

// pack converts the file requests into JSONL lines plus the metadata needed
// to route responses back.
func (b *BatchClient) pack(reqs []FileRequest) ([]byte, map[string]chunkRef, error) {
	system := systemPrompt(b.opts.effectiveLanguage())
	model := b.opts.effectiveModel()

	refs := make(map[string]chunkRef)
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)

	for _, req := range reqs {
		chunks := chunkTexts(req.Texts)
		for i, chunk := range chunks {
			id := customID(req.Path, i, len(chunks))
			refs[id] = chunkRef{path: req.Path, index: i, count: len(chunk)}

			line := batchLine{
				CustomID: id,
				Method:   http.MethodPost,
				URL:      batchEndpoint,
				Body: chatRequest{
					Model: model,
					Messages: []chatMessage{
						{Role: "system", Content: system},
						{Role: "user", Content: buildUserPrompt(chunk)},
					},
					Temperature: 0.3,
				},
			}
			if err := enc.Encode(&line); err != nil {
				return nil, nil, fmt.Errorf("encoding batch line for %s: %w", req.Path, err)
			}
		}
	}
	return buf.Bytes(), refs, nil
}

// ---------------------------------------------------------------------------
// Upload, create, poll
// ---------------------------------------------------------------------------

// uploadFile POSTs the JSONL payload to /files with purpose "batch" and
// returns the file id.
func (b *BatchClient) uploadFile(ctx context.Context, jsonl []byte, name string) (string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := mw.WriteField("purpose", "batch"); err != nil {
		return "", fmt.Errorf("building upload form: %w", err)
	}
	part, err := mw.CreateFormFile("file", name)
	if err != nil {
		return "", fmt.Errorf("building upload form: %w", err)
	}
	if _, err := part.Write(jsonl); err != nil {
		return "", fmt.Errorf("building upload form: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("building upload form: %w", err)
	}

	respBody, err := b.http.post(ctx, b.opts.effectiveBaseURL()+"/files", mw.FormDataContentType(), buf.Bytes())
	if err != nil {
		return "", fmt.Errorf("uploading batch input: %w", err)
	}

	var resp struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(respBody, &resp); err != nil || resp.ID == "" {
		return "", fmt.Errorf("unexpected upload response: %s", truncate(string(respBody), 300))
	}
	return resp.ID, nil
}

type batchStatus struct {
	ID            string `json:"id"`
	Status        string `json:"status"`
	OutputFileID  string `json:"output_file_id"`
	ErrorFileID   string `json:"error_file_id"`
	RequestCounts struct {
		Total     int `json:"total"`
		Completed int `json:"completed"`
		Failed    int `json:"failed"`
	} `json:"request_counts"`
}

func (b *BatchClient) createBatch(ctx context.Context, inputFileID, jobID string) (*batchStatus, error) {
	body, err := json.Marshal(map[string]any{
		"input_file_id":     inputFileID,
		"endpoint":          batchEndpoint,
		"completion_window": completionWindow,
		"metadata":          map[string]string{"job_id": jobID},
	})
	if err != nil {
		return nil, fmt.Errorf("building batch create request: %w", err)
	}

	respBody, err := b.http.post(ctx, b.opts.effectiveBaseURL()+"/batches", "application/json", body)
	if err != nil {
		return nil, fmt.Errorf("creating batch: %w", err)
	}

	var st batchStatus
	if err := json.Unmarshal(respBody, &st); err != nil || st.ID == "" {
		return nil, fmt.Errorf("unexpected batch create response: %s", truncate(string(respBody), 300))
	}
	return &st, nil
}

func (b *BatchClient) retrieveBatch(ctx context.Context, id string) (*batchStatus, error) {
	respBody, err := b.http.get(ctx, b.opts.effectiveBaseURL()+"/batches/"+id)
	if err != nil {
		return nil, fmt.Errorf("retrieving batch %s: %w", id, err)
	}
	var st batchStatus
	if err := json.Unmarshal(respBody, &st); err != nil {
		return nil, fmt.Errorf("unexpected batch status response: %s", truncate(string(respBody), 300))
	}
	return &st, nil
}

// cancelBatch asks the server to stop a running batch. Used on ctx
// cancellation; errors are reported but not fatal since we are leaving
// anyway.
func (b *BatchClient) cancelBatch(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if _, err := b.http.post(ctx, b.opts.effectiveBaseURL()+"/batches/"+id+"/cancel", "application/json", nil); err != nil {
		b.opts.Log.Warn().Err(err).Str("batch_id", id).Msg("could not cancel batch")
	}
}

func isTerminalStatus(s string) bool {
	switch s {
	case "completed", "failed", "cancelled", "expired":
		return true
	}
	return false
}

// poll waits for the batch to reach a terminal status, checking every
// pollInterval. On ctx cancellation it requests a server-side cancel.
func (b *BatchClient) poll(ctx context.Context, id string) (*batchStatus, error) {
	for {
		st, err := b.retrieveBatch(ctx, id)
		if err != nil {
			return nil, err
		}
		b.opts.Log.Info().
			Str("batch_id", id).
			Str("status", st.Status).
			Int("completed", st.RequestCounts.Completed).
			Int("failed", st.RequestCounts.Failed).
			Int("total", st.RequestCounts.Total).
			Msg("batch progress")
		if isTerminalStatus(st.Status) {
			return st, nil
		}

		select {
		case <-ctx.Done():
			b.cancelBatch(id)
			return nil, ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

// ---------------------------------------------------------------------------
// Result resolution
// ---------------------------------------------------------------------------

// resultLine is one JSONL record of the batch output file.
type resultLine struct {
	CustomID string `json:"custom_id"`
	Response *struct {
		StatusCode int             `json:"status_code"`
		Body       json.RawMessage `json:"body"`
	} `json:"response"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// chunkResult is one chunk's parsed translations, or the chunk's error.
type chunkResult struct {
	index int
	texts []string
	err   error
}

// parseResults maps the output JSONL back to per-file chunk results.
func parseResults(output []byte, refs map[string]chunkRef) map[string][]chunkResult {
	byPath := make(map[string][]chunkResult)

	sc := bufio.NewScanner(bytes.NewReader(output))
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var rl resultLine
		if err := json.Unmarshal(line, &rl); err != nil {
			continue
		}
		ref, ok := refs[rl.CustomID]
		if !ok {
			continue
		}

		cr := chunkResult{index: ref.index}
		switch {
		case rl.Error != nil && rl.Error.Message != "":
			cr.err = fmt.Errorf("batch request failed: %s", rl.Error.Message)
		case rl.Response == nil:
			cr.err = fmt.Errorf("batch request has no response")
		case rl.Response.StatusCode != http.StatusOK:
			cr.err = fmt.Errorf("batch request returned status %d", rl.Response.StatusCode)
		default:
			text, err := extractResponseText(rl.Response.Body)
			if err != nil {
				cr.err = err
				break
			}
			cr.texts, cr.err = parseTranslations(text, ref.count)
		}
		byPath[ref.path] = append(byPath[ref.path], cr)
	}
	return byPath
}

// assemble orders each file's chunks and concatenates their translations.
// A missing or failed chunk fails the whole file; the rest of the file's
// chunks are discarded so the caller never applies a partial translation.
func assemble(reqs []FileRequest, refs map[string]chunkRef, byPath map[string][]chunkResult) map[string]FileResult {
	expected := make(map[string]int) // path -> chunk count
	for _, ref := range refs {
		if ref.index+1 > expected[ref.path] {
			expected[ref.path] = ref.index + 1
		}
	}

	results := make(map[string]FileResult, len(reqs))
	for _, req := range reqs {
		chunks := byPath[req.Path]
		want := expected[req.Path]

		if len(chunks) != want {
			results[req.Path] = FileResult{Err: fmt.Errorf("batch returned %d of %d chunks", len(chunks), want)}
			continue
		}
		sort.Slice(chunks, func(i, j int) bool { return chunks[i].index < chunks[j].index })

		var texts []string
		var failed error
		for _, c := range chunks {
			if c.err != nil {
				failed = fmt.Errorf("chunk %d: %w", c.index, c.err)
				break
			}
			texts = append(texts, c.texts...)
		}
		if failed != nil {
			results[req.Path] = FileResult{Err: failed}
			continue
		}
		if len(texts) != len(req.Texts) {
			results[req.Path] = FileResult{Err: fmt.Errorf("got %d translations, expected %d", len(texts), len(req.Texts))}
			continue
		}
		results[req.Path] = FileResult{Texts: texts}
	}
	return results
}

// ---------------------------------------------------------------------------
// Run
// ---------------------------------------------------------------------------

// Run executes the whole batch flow: pack, upload, create, poll, resolve.
// The returned map has an entry for every input file. A batch-level failure
// is returned as an error and no file result is produced.
func (b *BatchClient) Run(ctx context.Context, reqs []FileRequest) (map[string]FileResult, error) {
	if len(reqs) == 0 {
		return map[string]FileResult{}, nil
	}

	jobID := uuid.NewString()
	log := b.opts.Log.With().Str("job_id", jobID).Logger()

	jsonl, refs, err := b.pack(reqs)
	if err != nil {
		return nil, err
	}
	log.Info().Int("files", len(reqs)).Int("requests", len(refs)).Msg("uploading batch input")

	inputFileID, err := b.uploadFile(ctx, jsonl, "comments-"+jobID+".jsonl")
	if err != nil {
		return nil, err
	}

	st, err := b.createBatch(ctx, inputFileID, jobID)
	if err != nil {
		return nil, err
	}
	log.Info().Str("batch_id", st.ID).Str("status", st.Status).Msg("batch created")

	st, err = b.poll(ctx, st.ID)
	if err != nil {
		return nil, err
	}
	if st.Status != "completed" {
		return nil, fmt.Errorf("batch finished with status %q", st.Status)
	}
	if st.OutputFileID == "" {
		return nil, fmt.Errorf("completed batch has no output file")
	}

	output, err := b.http.get(ctx, b.opts.effectiveBaseURL()+"/files/"+st.OutputFileID+"/content")
	if err != nil {
		return nil, fmt.Errorf("downloading batch output: %w", err)
	}

	return assemble(reqs, refs, parseResults(output, refs)), nil
}

// SplitCustomID is the inverse of customID, exported for diagnostics.
func SplitCustomID(id string) (path string, chunk int, ok bool) {
	if p, found := strings.CutSuffix(id, "::fullfile"); found {
		return p, 0, true
	}
	i := strings.LastIndex(id, "::chunk::")
	if i < 0 {
		return "", 0, false
	}
	n, err := strconv.Atoi(id[i+len("::chunk::"):])
	if err != nil {
		return "", 0, false
	}
	return id[:i], n, true
}
