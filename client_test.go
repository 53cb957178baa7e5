package kernelclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/jupytergo/kernelclient/channels"
	"github.com/jupytergo/kernelclient/kernels"
	"github.com/jupytergo/kernelclient/kerneltest"
	"github.com/jupytergo/kernelclient/messages"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		// idle keep-alive conns from the lifecycle HTTP client
		goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"),
	)
}

// spinEvaluator handles "spin" by withholding all terminal signals and
// defers everything else to the default evaluator.
func spinEvaluator(e *kerneltest.Execution) kerneltest.Reply {
	if strings.TrimSpace(e.Code) == "spin" {
		return kerneltest.Reply{Hang: true}
	}
	return kerneltest.DefaultEvaluator(e)
}

func newTestClient(t *testing.T, s *kerneltest.Server, opts ...Option) *Client {
	t.Helper()
	ctx := context.Background()
	client, err := Attach(ctx, s.URL(), s.Token(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		client.Close(context.Background())
	})
	return client
}

func pendingCount(c *Client) int {
	c.corr.mu.Lock()
	defer c.corr.mu.Unlock()
	return len(c.corr.pending)
}

func TestExecuteSimpleExpression(t *testing.T) {
	s := kerneltest.NewServer()
	t.Cleanup(s.Close)
	client := newTestClient(t, s)

	res, err := client.Execute(context.Background(), "1+1")
	require.NoError(t, err)

	assert.Equal(t, StatusOK, res.Status)
	assert.Equal(t, 1, res.ExecutionCount)
	require.Len(t, res.Outputs, 1)
	assert.Equal(t, OutputExecuteResult, res.Outputs[0].Type)
	assert.Equal(t, "2", res.TextResult())
}

func TestExecuteStreamOutputPreservesText(t *testing.T) {
	s := kerneltest.NewServer()
	t.Cleanup(s.Close)
	client := newTestClient(t, s)

	res, err := client.Execute(context.Background(), `print("hello the world")`)
	require.NoError(t, err)

	assert.Equal(t, StatusOK, res.Status)
	require.Len(t, res.Outputs, 1)
	assert.Equal(t, OutputStream, res.Outputs[0].Type)
	assert.Equal(t, "stdout", res.Outputs[0].Name)
	assert.Equal(t, "hello the world\n", res.Outputs[0].Text, "trailing newline must be preserved exactly")
	assert.Equal(t, "hello the world\n", res.Stdout())
}

func TestExecuteErrorYieldsTraceback(t *testing.T) {
	s := kerneltest.NewServer()
	t.Cleanup(s.Close)
	client := newTestClient(t, s)

	res, err := client.Execute(context.Background(), `raise ValueError("boom")`)
	require.NoError(t, err, "a kernel-side error is a normal terminal outcome")

	assert.Equal(t, StatusError, res.Status)
	execErr := res.Err()
	require.NotNil(t, execErr)
	assert.Equal(t, "ValueError", execErr.EName)
	assert.Equal(t, "boom", execErr.EValue)
	assert.NotEmpty(t, execErr.Traceback)
}

func TestReplyBeforeIdleOrderingYieldsIdenticalResults(t *testing.T) {
	run := func(t *testing.T, opts ...kerneltest.Option) *ExecutionResult {
		s := kerneltest.NewServer(opts...)
		t.Cleanup(s.Close)
		client := newTestClient(t, s)
		res, err := client.Execute(context.Background(), "2+3")
		require.NoError(t, err)
		return res
	}

	idleFirst := run(t)
	replyFirst := run(t, kerneltest.WithReplyBeforeIdle())
	assert.Equal(t, idleFirst, replyFirst)
}

func TestExecuteTimeout(t *testing.T) {
	s := kerneltest.NewServer(kerneltest.WithEvaluator(spinEvaluator))
	t.Cleanup(s.Close)
	client := newTestClient(t, s)

	_, err := client.Execute(context.Background(), "spin", WithTimeout(50*time.Millisecond))
	assert.True(t, errors.Is(err, ErrTimeout), "got %v", err)
	assert.Zero(t, pendingCount(client))

	// the connection is still usable for later requests
	res, err := client.Execute(context.Background(), "1+1")
	require.NoError(t, err)
	assert.Equal(t, StatusOK, res.Status)
}

func TestDisconnectFailsAllPendingRequests(t *testing.T) {
	s := kerneltest.NewServer(kerneltest.WithEvaluator(spinEvaluator))
	t.Cleanup(s.Close)
	client := newTestClient(t, s,
		WithConnOptions(channels.WithReconnect(2, 5*time.Millisecond, 20*time.Millisecond)))

	const n = 3
	errCh := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			_, err := client.Execute(context.Background(), "spin")
			errCh <- err
		}()
	}
	waitFor(t, func() bool { return pendingCount(client) == n }, "all requests pending")

	s.SetRefuseChannels(true)
	s.DropConnections()

	for i := 0; i < n; i++ {
		select {
		case err := <-errCh:
			assert.True(t, errors.Is(err, ErrConnectionLost), "got %v", err)
		case <-time.After(10 * time.Second):
			t.Fatal("pending request left hanging after disconnect")
		}
	}
}

func TestRestartAbortsPendingAndResetsCounter(t *testing.T) {
	s := kerneltest.NewServer(kerneltest.WithEvaluator(spinEvaluator))
	t.Cleanup(s.Close)
	client := newTestClient(t, s)

	// advance the counter, then get one stuck
	res, err := client.Execute(context.Background(), "1+1")
	require.NoError(t, err)
	require.Equal(t, 1, res.ExecutionCount)

	errCh := make(chan error, 1)
	go func() {
		_, err := client.Execute(context.Background(), "spin")
		errCh <- err
	}()
	waitFor(t, func() bool { return pendingCount(client) == 1 }, "request pending")

	require.NoError(t, client.Restart(context.Background()))

	select {
	case err := <-errCh:
		assert.True(t, errors.Is(err, ErrAborted), "got %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("pending request not aborted by restart")
	}

	res, err = client.Execute(context.Background(), "1+1")
	require.NoError(t, err)
	assert.Equal(t, 1, res.ExecutionCount, "execution counter must reset after restart")
}

func TestConcurrentExecutionsAreIsolated(t *testing.T) {
	s := kerneltest.NewServer()
	t.Cleanup(s.Close)
	client := newTestClient(t, s)

	const n = 4
	results := make([]*ExecutionResult, n)
	group := errgroup.Group{}
	for i := 0; i < n; i++ {
		i := i
		group.Go(func() error {
			res, err := client.Execute(context.Background(), fmt.Sprintf(`print("worker %d")`, i))
			results[i] = res
			return err
		})
	}
	require.NoError(t, group.Wait())

	counts := map[int]bool{}
	for i, res := range results {
		require.Len(t, res.Outputs, 1, "worker %d", i)
		assert.Equal(t, fmt.Sprintf("worker %d\n", i), res.Stdout(), "outputs leaked across requests")
		counts[res.ExecutionCount] = true
	}
	assert.Len(t, counts, n, "each execution must get its own counter value")
}

func TestStdinPrompt(t *testing.T) {
	s := kerneltest.NewServer()
	t.Cleanup(s.Close)
	client := newTestClient(t, s, WithInputProvider(func(prompt string, password bool) (string, error) {
		assert.Equal(t, "color? ", prompt)
		return "blue", nil
	}))

	res, err := client.Execute(context.Background(), `input("color? ")`)
	require.NoError(t, err)
	assert.Equal(t, StatusOK, res.Status)
	assert.Equal(t, "'blue'", res.TextResult())
}

func TestSilentExecutionSuppressesOutputAndHistory(t *testing.T) {
	s := kerneltest.NewServer()
	t.Cleanup(s.Close)
	client := newTestClient(t, s)

	res, err := client.Execute(context.Background(), "1+1", Silent())
	require.NoError(t, err)
	assert.Equal(t, StatusOK, res.Status)
	assert.Empty(t, res.Outputs)
	assert.Zero(t, res.ExecutionCount)

	res, err = client.Execute(context.Background(), "1+1")
	require.NoError(t, err)
	assert.Equal(t, 1, res.ExecutionCount, "silent execution must not advance the counter")
}

func TestObserverSeesOtherClientsActivity(t *testing.T) {
	s := kerneltest.NewServer()
	t.Cleanup(s.Close)
	owner := newTestClient(t, s)

	observed := make(chan *messages.Message, 16)
	newTestClient(t, s,
		WithKernelID(owner.KernelID()),
		WithObserver(func(msg *messages.Message) {
			if msg.Type() == messages.TypeStream {
				observed <- msg
			}
		}))

	res, err := owner.Execute(context.Background(), `print("shared output")`)
	require.NoError(t, err)
	require.Equal(t, "shared output\n", res.Stdout())

	// the same broadcast reaches the watcher as an unmatched envelope
	select {
	case msg := <-observed:
		var st messages.Stream
		require.NoError(t, msg.DecodeContent(&st))
		assert.Equal(t, "shared output\n", st.Text)
	case <-time.After(5 * time.Second):
		t.Fatal("watcher never observed the other client's output")
	}
}

func TestKernelInfo(t *testing.T) {
	s := kerneltest.NewServer()
	t.Cleanup(s.Close)
	client := newTestClient(t, s)

	info, err := client.KernelInfo(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "kerneltest", info.Implementation)
	assert.NotEmpty(t, info.Banner)
}

func TestAttachToMissingKernel(t *testing.T) {
	s := kerneltest.NewServer()
	t.Cleanup(s.Close)

	_, err := Attach(context.Background(), s.URL(), s.Token(), WithKernelID("no-such-kernel"))
	assert.True(t, errors.Is(err, kernels.ErrNotFound), "got %v", err)
}

func TestAuthenticationFailure(t *testing.T) {
	s := kerneltest.NewServer()
	t.Cleanup(s.Close)

	_, err := Attach(context.Background(), s.URL(), "wrong-token")
	assert.True(t, errors.Is(err, kernels.ErrAuthenticationFailed), "got %v", err)
}

func TestCloseShutsDownOwnedKernel(t *testing.T) {
	s := kerneltest.NewServer()
	t.Cleanup(s.Close)

	ctx := context.Background()
	client, err := Attach(ctx, s.URL(), s.Token())
	require.NoError(t, err)
	id := client.KernelID()

	require.NoError(t, client.Close(ctx))

	kc := kernels.NewClient(zap.NewNop().Sugar(), s.URL(), s.Token())
	_, err = kc.Get(ctx, id)
	assert.True(t, errors.Is(err, kernels.ErrNotFound), "owned kernel must be shut down on close")
}

func TestCloseLeavesAttachedKernelRunning(t *testing.T) {
	s := kerneltest.NewServer()
	t.Cleanup(s.Close)

	ctx := context.Background()
	owner := newTestClient(t, s)

	visitor, err := Attach(ctx, s.URL(), s.Token(), WithKernelID(owner.KernelID()))
	require.NoError(t, err)
	require.NoError(t, visitor.Close(ctx))

	_, err = owner.Execute(ctx, "1+1")
	assert.NoError(t, err, "kernel must survive a visitor detaching")
}

func TestVariables(t *testing.T) {
	s := kerneltest.NewServer(kerneltest.WithEvaluator(func(e *kerneltest.Execution) kerneltest.Reply {
		switch {
		case strings.Contains(e.Code, "_jkc_list_variables"):
			e.Stream("stdout", `[{"name":"a","type":["builtins","float"]},{"name":"b","type":["builtins","str"]}]`+"\n")
			return kerneltest.OK()
		case strings.Contains(e.Code, "display(a)"):
			e.Display(map[string]any{"text/plain": "1.0"})
			return kerneltest.OK()
		}
		return kerneltest.DefaultEvaluator(e)
	}))
	t.Cleanup(s.Close)
	client := newTestClient(t, s)

	vars, err := client.ListVariables(context.Background())
	require.NoError(t, err)
	require.Len(t, vars, 2)
	assert.Equal(t, VariableDescription{Name: "a", Type: []string{"builtins", "float"}}, vars[0])

	bundle, err := client.GetVariable(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, json.RawMessage(`"1.0"`), bundle["text/plain"])
}
