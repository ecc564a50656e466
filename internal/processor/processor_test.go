package processor

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pcferrors "github.com/adverant/nexus/pcf-worker/internal/errors"
	"github.com/adverant/nexus/pcf-worker/internal/metrics"
	"github.com/adverant/nexus/pcf-worker/internal/pcf"
	"github.com/adverant/nexus/pcf-worker/internal/storage"
)

var pngHeader = []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A, 0, 0, 0, 0}

type fakeStore struct {
	docs     []*storage.DocumentRecord
	vectors  [][][]float32
	updates  []*storage.JobUpdate
	storeErr error
}

func (f *fakeStore) StoreDocument(_ context.Context, doc *storage.DocumentRecord, vectors [][]float32) (*storage.StoredDocument, error) {
	if f.storeErr != nil {
		return nil, f.storeErr
	}
	f.docs = append(f.docs, doc)
	f.vectors = append(f.vectors, vectors)
	return &storage.StoredDocument{ID: doc.ID, IndexedItems: len(vectors), StoredAt: time.Now()}, nil
}

func (f *fakeStore) UpdateJobStatus(_ context.Context, update *storage.JobUpdate) error {
	f.updates = append(f.updates, update)
	return nil
}

type fakeRecognizer struct {
	lines []pcf.RecognizedLine
	err   error
	calls int
}

func (f *fakeRecognizer) Recognize(_ context.Context, _ []byte) (*OCRResult, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &OCRResult{Lines: f.lines, Confidence: 0.9, Engine: "fake"}, nil
}

func textLine(text string, x, y, width float64) pcf.RecognizedLine {
	return pcf.RecognizedLine{
		Text:        text,
		BoundingBox: pcf.BoundingBox{Left: x, Top: y - 10, Right: x + width, Bottom: y + 10},
	}
}

func formPage() []pcf.RecognizedLine {
	return []pcf.RecognizedLine{
		textLine("ROUTE 12 NORTH", 10, 20, 200),
		textLine("123456789012345678", 400, 40, 200),
		textLine("Product Description Batch Best Before Days", 10, 100, 600),
		textLine("34117", 10, 150, 50),
		textLine("MISSION CORN TORTILLA", 100, 150, 250),
		textLine("AB12345678", 400, 150, 90),
		textLine("11/25/2024", 500, 150, 90),
		textLine("3", 600, 150, 20),
		textLine("34118", 10, 190, 50),
		textLine("MISSION FLOUR TORTILLA", 100, 190, 250),
		textLine("The Pallet and the Plastic Program", 10, 300, 400),
	}
}

func newTestProcessor(t *testing.T, store *fakeStore, rec Recognizer) *DocumentProcessor {
	t.Helper()
	p, err := NewDocumentProcessor(&ProcessorConfig{
		Store:            store,
		Recognizer:       rec,
		Vectorizer:       NewDescriptionVectorizer(),
		Metrics:          metrics.New(),
		MaxFileSize:      1 << 20,
		DownloadAttempts: 3,
		InitialBackoff:   time.Millisecond,
		MaxBackoff:       5 * time.Millisecond,
	})
	require.NoError(t, err)
	return p
}

func TestNewDocumentProcessor_RequiresStore(t *testing.T) {
	_, err := NewDocumentProcessor(nil)
	assert.Error(t, err)

	_, err = NewDocumentProcessor(&ProcessorConfig{})
	assert.Error(t, err)
}

func TestProcessDocument_FromLines(t *testing.T) {
	store := &fakeStore{}
	p := newTestProcessor(t, store, nil)

	result, err := p.ProcessDocument(context.Background(), &ProcessRequest{
		JobID:         "job-1",
		UserID:        "user-1",
		Lines:         formPage(),
		ExpectedRoute: "ROUTE 12",
	})
	require.NoError(t, err)

	assert.Equal(t, 2, result.LineItems)
	assert.Equal(t, "123456789012345678", result.Document.ContainerCode)
	require.NotNil(t, result.RouteVerified)
	assert.True(t, *result.RouteVerified)
	assert.Equal(t, 2, result.IndexedItems)

	require.Len(t, store.docs, 1)
	doc := store.docs[0]
	assert.Equal(t, result.DocumentID, doc.ID)
	assert.Equal(t, "job-1", doc.JobID)
	assert.Equal(t, "user-1", doc.UserID)
	assert.Equal(t, "AB12345678", doc.LineItems[0].Batch)
	require.Len(t, store.vectors[0], 2)
	assert.Len(t, store.vectors[0][0], storage.DescriptionVectorSize)
}

func TestProcessDocument_RouteMismatch(t *testing.T) {
	p := newTestProcessor(t, &fakeStore{}, nil)

	result, err := p.ProcessDocument(context.Background(), &ProcessRequest{
		JobID:         "job-2",
		Lines:         formPage(),
		ExpectedRoute: "ROUTE 7",
	})
	require.NoError(t, err)
	require.NotNil(t, result.RouteVerified)
	assert.False(t, *result.RouteVerified)
}

func TestProcessDocument_RouteNumberFromBottomLeft(t *testing.T) {
	lines := append(formPage(),
		textLine("FIESTA MART & DELI", 10, 330, 200),
		textLine("482913", 10, 360, 60),
	)

	tests := []struct {
		name     string
		expected string
		want     bool
	}{
		{"matching route", "482913", true},
		{"other route", "482914", false},
		{"text route still searched", "ROUTE 12", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := &fakeStore{}
			p := newTestProcessor(t, store, nil)

			result, err := p.ProcessDocument(context.Background(), &ProcessRequest{
				JobID:         "job-3",
				Lines:         lines,
				ExpectedRoute: tt.expected,
			})
			require.NoError(t, err)
			assert.Equal(t, "482913", result.Document.RouteNumber)
			assert.Equal(t, "FIESTA MART & DELI", result.Document.BusinessName)
			require.NotNil(t, result.RouteVerified)
			assert.Equal(t, tt.want, *result.RouteVerified)

			require.Len(t, store.docs, 1)
			assert.Equal(t, "482913", store.docs[0].RouteNumber)
			assert.Equal(t, "FIESTA MART & DELI", store.docs[0].BusinessName)
		})
	}
}

func TestProcessDocument_MissingAnchorIsTerminal(t *testing.T) {
	store := &fakeStore{}
	p := newTestProcessor(t, store, nil)

	_, err := p.ProcessDocument(context.Background(), &ProcessRequest{
		JobID: "job-3",
		Lines: []pcf.RecognizedLine{textLine("just some text", 10, 10, 100)},
	})
	require.Error(t, err)

	var pe *pcferrors.ProcessingError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, pcferrors.ErrorAnchorNotFound, pe.Code)
	assert.True(t, pcferrors.IsTerminal(err))
	assert.True(t, pcferrors.IsStructural(err))
	assert.Empty(t, store.docs)
}

func TestProcessDocument_StoreFailure(t *testing.T) {
	p := newTestProcessor(t, &fakeStore{storeErr: errors.New("connection reset")}, nil)

	_, err := p.ProcessDocument(context.Background(), &ProcessRequest{JobID: "job-4", Lines: formPage()})

	var pe *pcferrors.ProcessingError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, pcferrors.ErrorStorageFailed, pe.Code)
	assert.False(t, pcferrors.IsTerminal(err))
}

func TestProcessDocument_NoInput(t *testing.T) {
	p := newTestProcessor(t, &fakeStore{}, nil)

	_, err := p.ProcessDocument(context.Background(), &ProcessRequest{JobID: "job-5"})

	var pe *pcferrors.ProcessingError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, pcferrors.ErrorInvalidInput, pe.Code)
}

func TestProcessDocument_ImageBuffer(t *testing.T) {
	rec := &fakeRecognizer{lines: formPage()}
	p := newTestProcessor(t, &fakeStore{}, rec)

	req := &ProcessRequest{JobID: "job-6", MimeType: "application/octet-stream", ImageBuffer: pngHeader}
	result, err := p.ProcessDocument(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, 1, rec.calls)
	assert.Equal(t, "image/png", req.MimeType)
	assert.Equal(t, 0.9, result.OCRConfidence)
	assert.Equal(t, 2, result.LineItems)
}

func TestProcessDocument_ImageErrors(t *testing.T) {
	t.Run("unsupported format", func(t *testing.T) {
		p := newTestProcessor(t, &fakeStore{}, &fakeRecognizer{})
		_, err := p.ProcessDocument(context.Background(), &ProcessRequest{
			JobID:       "job-7",
			ImageBuffer: []byte("%PDF-1.7 ..."),
		})
		var pe *pcferrors.ProcessingError
		require.ErrorAs(t, err, &pe)
		assert.Equal(t, pcferrors.ErrorUnsupportedFormat, pe.Code)
	})

	t.Run("recognizer failure", func(t *testing.T) {
		p := newTestProcessor(t, &fakeStore{}, &fakeRecognizer{err: errors.New("tesseract crashed")})
		_, err := p.ProcessDocument(context.Background(), &ProcessRequest{JobID: "job-8", ImageBuffer: pngHeader})
		var pe *pcferrors.ProcessingError
		require.ErrorAs(t, err, &pe)
		assert.Equal(t, pcferrors.ErrorOCRFailed, pe.Code)
	})

	t.Run("no recognizer", func(t *testing.T) {
		p := newTestProcessor(t, &fakeStore{}, nil)
		_, err := p.ProcessDocument(context.Background(), &ProcessRequest{JobID: "job-9", ImageBuffer: pngHeader})
		var pe *pcferrors.ProcessingError
		require.ErrorAs(t, err, &pe)
		assert.Equal(t, pcferrors.ErrorOCRFailed, pe.Code)
	})

	t.Run("buffer too large", func(t *testing.T) {
		p := newTestProcessor(t, &fakeStore{}, &fakeRecognizer{})
		_, err := p.ProcessDocument(context.Background(), &ProcessRequest{JobID: "job-10", ImageBuffer: make([]byte, 2<<20)})
		var pe *pcferrors.ProcessingError
		require.ErrorAs(t, err, &pe)
		assert.Equal(t, pcferrors.ErrorInvalidInput, pe.Code)
	})
}

func TestDownloadImage_RetriesServerErrors(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&hits, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write(pngHeader)
	}))
	defer srv.Close()

	rec := &fakeRecognizer{lines: formPage()}
	p := newTestProcessor(t, &fakeStore{}, rec)

	result, err := p.ProcessDocument(context.Background(), &ProcessRequest{JobID: "job-11", ImageURL: srv.URL})
	require.NoError(t, err)
	assert.Equal(t, int32(3), atomic.LoadInt32(&hits))
	assert.Equal(t, 2, result.LineItems)
}

func TestDownloadImage_ClientErrorNotRetried(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	p := newTestProcessor(t, &fakeStore{}, &fakeRecognizer{})
	_, err := p.ProcessDocument(context.Background(), &ProcessRequest{JobID: "job-12", ImageURL: srv.URL})
	require.Error(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&hits))
}

func TestDownloadImage_SizeLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(make([]byte, 2<<20))
	}))
	defer srv.Close()

	p := newTestProcessor(t, &fakeStore{}, &fakeRecognizer{})
	_, err := p.ProcessDocument(context.Background(), &ProcessRequest{JobID: "job-13", ImageURL: srv.URL})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exceeds maximum")
}

func TestUpdateJobStatus_LiftsMetadata(t *testing.T) {
	store := &fakeStore{}
	p := newTestProcessor(t, store, nil)

	err := p.UpdateJobStatus(context.Background(), "job-14", "completed", 100, map[string]interface{}{
		"documentId":       "doc-1",
		"lineItems":        float64(4),
		"rejected":         1,
		"processingTimeMs": int64(250),
		"filename":         "scan.png",
	})
	require.NoError(t, err)
	require.Len(t, store.updates, 1)

	u := store.updates[0]
	assert.Equal(t, "completed", u.Status)
	assert.Equal(t, 100, u.Progress)
	assert.Equal(t, "doc-1", u.DocumentID)
	assert.Equal(t, 4, u.LineItems)
	assert.Equal(t, 1, u.Rejected)
	assert.Equal(t, int64(250), u.ProcessingTimeMs)
	assert.Equal(t, "scan.png", u.Filename)

	require.NoError(t, p.UpdateJobStatus(context.Background(), "job-14", "failed", 100, map[string]interface{}{"error": "boom"}))
	assert.Equal(t, "PROCESSING_ERROR", store.updates[1].ErrorCode)
	assert.Equal(t, "boom", store.updates[1].ErrorMessage)
}

func TestAnalyze(t *testing.T) {
	p := newTestProcessor(t, &fakeStore{}, nil)

	result, route, err := p.Analyze(formPage(), "")
	require.NoError(t, err)
	assert.Nil(t, route)
	assert.Len(t, result.LineItems, 2)

	_, _, err = p.Analyze(nil, "")
	assert.True(t, pcferrors.IsStructural(err))
}

func TestBackoffFor(t *testing.T) {
	assert.Equal(t, time.Second, backoffFor(1, time.Second, 32*time.Second))
	assert.Equal(t, 4*time.Second, backoffFor(3, time.Second, 32*time.Second))
	assert.Equal(t, 32*time.Second, backoffFor(10, time.Second, 32*time.Second))
}

func TestDetectMimeTypeFromMagicBytes(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want string
	}{
		{"png", pngHeader, "image/png"},
		{"jpeg", []byte{0xFF, 0xD8, 0xFF, 0xE0}, "image/jpeg"},
		{"tiff le", []byte{0x49, 0x49, 0x2A, 0x00}, "image/tiff"},
		{"tiff be", []byte{0x4D, 0x4D, 0x00, 0x2A}, "image/tiff"},
		{"gif", []byte("GIF89a.."), "image/gif"},
		{"webp", []byte("RIFF\x00\x00\x00\x00WEBPVP8 "), "image/webp"},
		{"bmp", []byte("BM\x00\x00"), "image/bmp"},
		{"pdf", []byte("%PDF-1.4"), "application/pdf"},
		{"short", []byte{0x89}, ""},
		{"text", []byte("hello world"), ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, detectMimeTypeFromMagicBytes(tt.data))
		})
	}
}
