package tracker

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestParseIssueRef(t *testing.T) {
	tests := []struct {
		ref     string
		want    IssueRef
		wantErr bool
	}{
		{ref: "upb/lms#42", want: IssueRef{Owner: "upb", Repo: "lms", Number: 42}},
		{ref: "#7", want: IssueRef{Owner: "upb", Repo: "portal", Number: 7}},
		{ref: " 12 ", want: IssueRef{Owner: "upb", Repo: "portal", Number: 12}},
		{ref: "upb/lms#0", wantErr: true},
		{ref: "upb/lms#abc", wantErr: true},
		{ref: "lms#3", wantErr: true},
		{ref: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.ref, func(t *testing.T) {
			got, err := ParseIssueRef(tt.ref, "upb/portal")
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidReference)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseIssueRef_NoDefaultRepo(t *testing.T) {
	_, err := ParseIssueRef("#7", "")
	assert.ErrorIs(t, err, ErrInvalidReference)
}

func newTestBridge(t *testing.T, handler http.HandlerFunc) *GitHubBridge {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	bridge, err := NewGitHubBridge(GitHubConfig{
		BaseURL:     server.URL,
		Token:       "test-token",
		DefaultRepo: "upb/portal",
		MaxElapsed:  5 * time.Second,
	}, zap.NewNop())
	require.NoError(t, err)
	return bridge
}

func TestGitHubBridge_ClosesIssue(t *testing.T) {
	var gotPath, gotMethod, gotAuth string
	var gotBody map[string]string

	bridge := newTestBridge(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath, gotMethod, gotAuth = r.URL.Path, r.Method, r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"number":42,"state":"closed"}`))
	})

	err := bridge.NotifyClosed(context.Background(), "upb/lms#42")
	require.NoError(t, err)
	assert.Equal(t, http.MethodPatch, gotMethod)
	assert.Equal(t, "/repos/upb/lms/issues/42", gotPath)
	assert.Equal(t, "Bearer test-token", gotAuth)
	assert.Equal(t, "closed", gotBody["state"])
	assert.Equal(t, "completed", gotBody["state_reason"])
}

func TestGitHubBridge_RetriesServerErrors(t *testing.T) {
	var calls int32
	bridge := newTestBridge(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	err := bridge.NotifyClosed(context.Background(), "#9")
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestGitHubBridge_ClientErrorsArePermanent(t *testing.T) {
	var calls int32
	bridge := newTestBridge(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"message":"Not Found"}`))
	})

	err := bridge.NotifyClosed(context.Background(), "#9")
	require.Error(t, err)

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
	assert.Equal(t, "Not Found", apiErr.Message)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestGitHubBridge_InvalidReferenceSkipsRequest(t *testing.T) {
	var calls int32
	bridge := newTestBridge(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
	})

	err := bridge.NotifyClosed(context.Background(), "not-an-issue")
	assert.ErrorIs(t, err, ErrInvalidReference)
	assert.Zero(t, atomic.LoadInt32(&calls))
}

func TestNewGitHubBridge_RequiresToken(t *testing.T) {
	_, err := NewGitHubBridge(GitHubConfig{}, zap.NewNop())
	assert.Error(t, err)
}

// MockBridge is a mock implementation of Bridge
type MockBridge struct {
	mock.Mock
}

func (m *MockBridge) Name() string {
	return "mock"
}

func (m *MockBridge) NotifyClosed(ctx context.Context, issueRef string) error {
	args := m.Called(ctx, issueRef)
	return args.Error(0)
}

func TestDispatcher_DeliversAndStops(t *testing.T) {
	bridge := new(MockBridge)
	var wg sync.WaitGroup
	wg.Add(2)
	bridge.On("NotifyClosed", mock.Anything, "upb/lms#1").Run(func(mock.Arguments) { wg.Done() }).Return(nil)
	bridge.On("NotifyClosed", mock.Anything, "upb/lms#2").Run(func(mock.Arguments) { wg.Done() }).Return(errors.New("tracker down"))

	d := NewDispatcher(bridge, zap.NewNop(), Config{BufferSize: 4, WorkerCount: 2})
	require.NoError(t, d.Start())
	assert.Error(t, d.Start(), "second start fails")

	require.NoError(t, d.Enqueue(Notification{RequestID: uuid.New(), IssueReference: "upb/lms#1"}))
	require.NoError(t, d.Enqueue(Notification{RequestID: uuid.New(), IssueReference: "upb/lms#2"}))

	wg.Wait()
	require.NoError(t, d.Stop(time.Second))
	bridge.AssertExpectations(t)

	assert.Error(t, d.Enqueue(Notification{IssueReference: "upb/lms#3"}), "stopped dispatcher rejects notifications")
	assert.False(t, d.Stats().Started)
}

func TestDispatcher_DropsWhenFull(t *testing.T) {
	bridge := new(MockBridge)
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	bridge.On("NotifyClosed", mock.Anything, mock.Anything).Run(func(mock.Arguments) {
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
	}).Return(nil)

	d := NewDispatcher(bridge, zap.NewNop(), Config{BufferSize: 1, WorkerCount: 1})
	require.NoError(t, d.Start())

	require.NoError(t, d.Enqueue(Notification{IssueReference: "#1"}))
	<-started
	require.NoError(t, d.Enqueue(Notification{IssueReference: "#2"}))
	assert.Error(t, d.Enqueue(Notification{IssueReference: "#3"}))
	assert.Equal(t, 1, d.Stats().PendingNotifications)

	close(release)
	require.NoError(t, d.Stop(time.Second))
}

func TestDispatcher_NotStarted(t *testing.T) {
	d := NewDispatcher(new(MockBridge), zap.NewNop(), Config{})
	assert.Error(t, d.Enqueue(Notification{IssueReference: "#1"}))
	assert.Error(t, d.Stop(time.Second))
	assert.Equal(t, DefaultConfig().BufferSize, d.Stats().BufferSize)
}

func TestLogBridge(t *testing.T) {
	b := NewLogBridge(zap.NewNop())
	assert.Equal(t, "log", b.Name())
	assert.NoError(t, b.NotifyClosed(context.Background(), "#1"))
}
