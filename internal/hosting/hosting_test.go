package hosting

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedRunner returns canned responses per call.
type scriptedRunner struct {
	calls     [][]string
	responses []response
}

type response struct {
	out string
	err error
}

func (s *scriptedRunner) Run(workDir, name string, args ...string) (string, error) {
	s.calls = append(s.calls, append([]string{name}, args...))
	if len(s.responses) == 0 {
		return "", nil
	}
	r := s.responses[0]
	s.responses = s.responses[1:]
	return r.out, r.err
}

func fastClient(r *scriptedRunner) *Client {
	return New("gh", "/repo", nil, WithRunner(r), WithRetry(2, time.Millisecond))
}

func TestCreatePR(t *testing.T) {
	r := &scriptedRunner{responses: []response{
		{out: "https://github.com/acme/repo/pull/42"},
	}}
	c := fastClient(r)

	url, err := c.CreatePR(PullRequest{
		Branch: "wiggum/AUTH-1",
		Base:   "main",
		Title:  "AUTH-1: add login flow",
		Body:   "Automated change for AUTH-1.",
	})
	require.NoError(t, err)
	assert.Equal(t, "https://github.com/acme/repo/pull/42", url)

	require.Len(t, r.calls, 1)
	call := strings.Join(r.calls[0], " ")
	assert.Contains(t, call, "gh pr create")
	assert.Contains(t, call, "--head wiggum/AUTH-1")
	assert.Contains(t, call, "--base main")
}

func TestCreatePR_URLIsLastLine(t *testing.T) {
	r := &scriptedRunner{responses: []response{
		{out: "Creating pull request for wiggum/AUTH-1 into main\nhttps://github.com/acme/repo/pull/7"},
	}}
	c := fastClient(r)

	url, err := c.CreatePR(PullRequest{Branch: "wiggum/AUTH-1", Base: "main", Title: "t"})
	require.NoError(t, err)
	assert.Equal(t, "https://github.com/acme/repo/pull/7", url)
}

func TestMergePR(t *testing.T) {
	r := &scriptedRunner{responses: []response{{out: ""}}}
	c := fastClient(r)

	require.NoError(t, c.MergePR("wiggum/AUTH-1"))
	require.Len(t, r.calls, 1)
	assert.Equal(t, []string{"gh", "pr", "merge", "wiggum/AUTH-1", "--squash", "--delete-branch"}, r.calls[0])
}

func TestRun_RetriesTransientErrors(t *testing.T) {
	r := &scriptedRunner{responses: []response{
		{err: errors.New("HTTP 503: service unavailable")},
		{err: errors.New("connection reset by peer")},
		{out: "https://github.com/acme/repo/pull/9"},
	}}
	c := fastClient(r)

	url, err := c.CreatePR(PullRequest{Branch: "b", Base: "main", Title: "t"})
	require.NoError(t, err)
	assert.Equal(t, "https://github.com/acme/repo/pull/9", url)
	assert.Len(t, r.calls, 3)
}

func TestRun_DoesNotRetryPermanentErrors(t *testing.T) {
	r := &scriptedRunner{responses: []response{
		{err: errors.New("GraphQL: was submitted too quickly; auth required")},
	}}
	c := fastClient(r)

	_, err := c.CreatePR(PullRequest{Branch: "b", Base: "main", Title: "t"})
	require.Error(t, err)
	assert.Len(t, r.calls, 1)
}

func TestRun_RetryBudgetExhausted(t *testing.T) {
	r := &scriptedRunner{responses: []response{
		{err: errors.New("timeout")},
		{err: errors.New("timeout")},
		{err: errors.New("timeout")},
	}}
	c := fastClient(r)

	err := c.MergePR("b")
	require.Error(t, err)
	assert.Len(t, r.calls, 3)
}
