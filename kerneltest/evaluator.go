package kerneltest

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Reply is the direct execute_reply an Evaluator produces.
type Reply struct {
	Status    string // "ok", "error" or "aborted"
	EName     string
	EValue    string
	Traceback []string

	// Hang withholds both the idle status and the reply, leaving the request
	// without a terminal state. For deadline tests.
	Hang bool
}

func OK() Reply { return Reply{Status: "ok"} }

func Errored(ename, evalue string) Reply {
	return Reply{
		Status: "error",
		EName:  ename,
		EValue: evalue,
		Traceback: []string{
			"Traceback (most recent call last)",
			"  Cell In[1], line 1",
			fmt.Sprintf("%s: %s", ename, evalue),
		},
	}
}

// Evaluator runs one execution: it emits outputs through the Execution and
// returns the reply. It runs on a per-kernel goroutine; emissions are
// broadcast in call order.
type Evaluator func(e *Execution) Reply

// Execution is the evaluator's view of one execute_request.
type Execution struct {
	Code       string
	Count      int
	Silent     bool
	AllowStdin bool

	emit      func(msgType string, content any)
	readInput func(prompt string, password bool) (string, error)
}

// Stream emits a stream output event.
func (e *Execution) Stream(name, text string) {
	e.emit("stream", map[string]any{"name": name, "text": text})
}

// Result emits an execute_result with the given mime bundle.
func (e *Execution) Result(data map[string]any) {
	e.emit("execute_result", map[string]any{
		"data":            data,
		"metadata":        map[string]any{},
		"execution_count": e.Count,
	})
}

// Display emits a display_data with the given mime bundle.
func (e *Execution) Display(data map[string]any) {
	e.emit("display_data", map[string]any{
		"data":     data,
		"metadata": map[string]any{},
	})
}

// Error emits an error output event.
func (e *Execution) Error(ename, evalue string, traceback []string) {
	e.emit("error", map[string]any{
		"ename":     ename,
		"evalue":    evalue,
		"traceback": traceback,
	})
}

// ReadInput prompts the client over the stdin channel and waits for the
// reply. It fails if the request was submitted without allow_stdin.
func (e *Execution) ReadInput(prompt string, password bool) (string, error) {
	if !e.AllowStdin {
		return "", errors.New("stdin not allowed for this request")
	}
	return e.readInput(prompt, password)
}

var (
	additionRe = regexp.MustCompile(`^\s*(\d+)\s*\+\s*(\d+)\s*$`)
	printRe    = regexp.MustCompile(`(?s)^print\((['"])(.*)['"]\)$`)
	raiseRe    = regexp.MustCompile(`^raise\s+(\w+)\((['"])(.*)['"]\)$`)
	inputRe    = regexp.MustCompile(`^input\((['"])(.*)['"]\)$`)
)

// DefaultEvaluator interprets the toy language used by the end-to-end tests.
func DefaultEvaluator(e *Execution) Reply {
	code := strings.TrimSpace(e.Code)

	switch {
	case additionRe.MatchString(code):
		m := additionRe.FindStringSubmatch(code)
		a, _ := strconv.Atoi(m[1])
		b, _ := strconv.Atoi(m[2])
		e.Result(map[string]any{"text/plain": strconv.Itoa(a + b)})
		return OK()

	case printRe.MatchString(code):
		m := printRe.FindStringSubmatch(code)
		e.Stream("stdout", m[2]+"\n")
		return OK()

	case raiseRe.MatchString(code):
		m := raiseRe.FindStringSubmatch(code)
		r := Errored(m[1], m[3])
		e.Error(r.EName, r.EValue, r.Traceback)
		return r

	case inputRe.MatchString(code):
		m := inputRe.FindStringSubmatch(code)
		v, err := e.ReadInput(m[2], false)
		if err != nil {
			r := Errored("StdinNotImplementedError", err.Error())
			e.Error(r.EName, r.EValue, r.Traceback)
			return r
		}
		e.Result(map[string]any{"text/plain": "'" + v + "'"})
		return OK()
	}

	r := Errored("SyntaxError", fmt.Sprintf("cannot interpret %q", code))
	e.Error(r.EName, r.EValue, r.Traceback)
	return r
}
