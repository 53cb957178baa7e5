package kernelclient

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jupytergo/kernelclient/messages"
)

// VariableDescription describes one variable in the kernel namespace. Type is
// the [module, qualified name] pair of the variable's Python type.
type VariableDescription struct {
	Name string   `json:"name"`
	Type []string `json:"type"`
	Size int      `json:"size,omitempty"`
}

// listVariablesSnippet prints a JSON description of the user namespace,
// skipping IPython bookkeeping names.
const listVariablesSnippet = `def _jkc_list_variables():
    import json
    from IPython import get_ipython
    _skip = {"In", "Out", "exit", "quit", "open", "get_ipython"}
    entries = []
    for _name, _value in get_ipython().user_ns.items():
        if _name.startswith("_") or _name in _skip or callable(_value) and getattr(_value, "__module__", "") == "builtins":
            continue
        _t = type(_value)
        entries.append({"name": _name, "type": [_t.__module__, _t.__qualname__]})
    print(json.dumps(sorted(entries, key=lambda e: e["name"])))
_jkc_list_variables()
del _jkc_list_variables`

// ListVariables returns descriptions of the variables currently defined in
// the kernel's user namespace. The introspection runs as a history-less
// execution, so it does not advance the execution counter.
func (c *Client) ListVariables(ctx context.Context) ([]VariableDescription, error) {
	res, err := c.Execute(ctx, listVariablesSnippet, StoreHistory(false))
	if err != nil {
		return nil, fmt.Errorf("listing variables: %w", err)
	}
	if res.Status != StatusOK {
		return nil, fmt.Errorf("listing variables: %w", res.Err())
	}
	var vars []VariableDescription
	if err := json.Unmarshal([]byte(res.Stdout()), &vars); err != nil {
		return nil, fmt.Errorf("decoding variable listing: %w", err)
	}
	return vars, nil
}

// GetVariable returns the mime bundle representations of one variable, as
// produced by the kernel's display machinery.
func (c *Client) GetVariable(ctx context.Context, name string) (messages.MimeBundle, error) {
	code := fmt.Sprintf("from IPython.display import display\ndisplay(%s)", name)
	res, err := c.Execute(ctx, code, StoreHistory(false))
	if err != nil {
		return nil, fmt.Errorf("getting variable %s: %w", name, err)
	}
	if res.Status != StatusOK {
		return nil, fmt.Errorf("getting variable %s: %w", name, res.Err())
	}
	for _, o := range res.Outputs {
		if o.Type == OutputDisplayData || o.Type == OutputExecuteResult {
			return o.Data, nil
		}
	}
	return nil, fmt.Errorf("no displayable value for variable %s", name)
}
