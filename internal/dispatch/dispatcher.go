package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tapirtools/bridge/internal/catalog"
	"github.com/tapirtools/bridge/internal/instances"
	"github.com/tapirtools/bridge/internal/paginate"
	"github.com/tapirtools/bridge/internal/schema"
	"github.com/tapirtools/bridge/internal/session"
)

// DefaultInlineMax is the largest result returned inline; anything bigger
// that tabulates goes to the session cache behind a handle.
const DefaultInlineMax = 64 * 1024

// Result is the outcome of one dispatch. Exactly one field is set: a raw
// inline payload, a page of a paginated result, or a handle summary for a
// cached dataset.
type Result struct {
	Raw    json.RawMessage     `json:"result,omitempty"`
	Page   *paginate.Page      `json:"page,omitempty"`
	Handle *session.HandleInfo `json:"handle,omitempty"`
}

// Dispatcher routes validated tool calls to the instance directory. It
// performs no retries; whether re-running a command is safe is the
// caller's knowledge, not ours.
type Dispatcher struct {
	cat       *catalog.Catalog
	dir       instances.Directory
	pages     *paginate.Manager
	handles   *session.Store
	inlineMax int
}

// New creates a dispatcher. inlineMax <= 0 selects DefaultInlineMax.
func New(cat *catalog.Catalog, dir instances.Directory, pages *paginate.Manager, handles *session.Store, inlineMax int) *Dispatcher {
	if inlineMax <= 0 {
		inlineMax = DefaultInlineMax
	}
	return &Dispatcher{cat: cat, dir: dir, pages: pages, handles: handles, inlineMax: inlineMax}
}

// Dispatch validates and executes one tool call. A non-empty pageToken
// continues a paginated iteration over the frozen snapshot; no remote call
// is made on that path.
func (d *Dispatcher) Dispatch(ctx context.Context, name string, port int, args json.RawMessage, pageToken string) (*Result, error) {
	desc, ok := d.cat.Get(name)
	if !ok {
		return nil, &UnknownToolError{Name: name}
	}

	if pageToken != "" {
		if !desc.Paginated {
			return nil, &ValidationError{Tool: name, Path: "/page_token", Msg: "tool is not paginated"}
		}
		page, err := d.pages.Next(pageToken)
		if err != nil {
			return nil, err
		}
		return &Result{Page: page}, nil
	}

	paramSchema, err := parameterSchema(desc)
	if err != nil {
		return nil, err
	}
	if err := validateArgs(name, paramSchema, args); err != nil {
		return nil, err
	}

	if err := d.checkInstance(ctx, port); err != nil {
		return nil, err
	}

	if desc.Paginated {
		key := paginate.SnapshotKey(name, port, args)
		page, err := d.pages.First(ctx, key, 0, func(ctx context.Context) ([]json.RawMessage, error) {
			raw, err := d.send(ctx, desc, port, args)
			if err != nil {
				return nil, err
			}
			return extractItems(raw, desc.ItemsField)
		})
		if err != nil {
			return nil, err
		}
		return &Result{Page: page}, nil
	}

	raw, err := d.send(ctx, desc, port, args)
	if err != nil {
		return nil, err
	}

	if len(raw) > d.inlineMax {
		if items, ok := tabulate(raw, desc); ok {
			table, err := session.FromItems(items)
			if err == nil {
				info, err := d.handles.Put(table)
				if err != nil {
					return nil, err
				}
				return &Result{Handle: info}, nil
			}
		}
	}
	return &Result{Raw: raw}, nil
}

// checkInstance consults a fresh instance listing; listings are never
// cached across dispatches.
func (d *Dispatcher) checkInstance(ctx context.Context, port int) error {
	refs, err := d.dir.List(ctx)
	if err != nil {
		return fmt.Errorf("failed to list instances: %w", err)
	}
	for _, ref := range refs {
		if ref.Port == port {
			return nil
		}
	}
	return &UnreachableInstanceError{Port: port}
}

func (d *Dispatcher) send(ctx context.Context, desc *schema.Descriptor, port int, args json.RawMessage) (json.RawMessage, error) {
	raw, err := d.dir.Send(ctx, port, desc.Command, args)
	if err != nil {
		var cmdErr *instances.CommandError
		if errors.As(err, &cmdErr) {
			return nil, &UpstreamCommandError{Tool: desc.Name, Payload: cmdErr.Payload}
		}
		return nil, err
	}
	return raw, nil
}

// parameterSchema renders the descriptor's parameter shape as a JSON
// Schema. Tools without parameters still reject unknown fields.
func parameterSchema(desc *schema.Descriptor) (json.RawMessage, error) {
	if desc.Parameters == nil {
		return json.RawMessage(`{"type":"object","additionalProperties":false}`), nil
	}
	data, err := json.Marshal(desc.Parameters)
	if err != nil {
		return nil, fmt.Errorf("failed to render parameter schema for %s: %w", desc.Name, err)
	}
	return data, nil
}

// extractItems pulls the designated list field out of a raw result.
func extractItems(raw json.RawMessage, field string) ([]json.RawMessage, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, fmt.Errorf("paginated result is not an object: %w", err)
	}
	listRaw, ok := obj[field]
	if !ok {
		return nil, fmt.Errorf("paginated result has no field %q", field)
	}
	var items []json.RawMessage
	if err := json.Unmarshal(listRaw, &items); err != nil {
		return nil, fmt.Errorf("field %q is not a list: %w", field, err)
	}
	return items, nil
}

// tabulate decides whether an oversized result is cacheable as a table:
// either the descriptor designates an items field, or the result has
// exactly one top-level list field.
func tabulate(raw json.RawMessage, desc *schema.Descriptor) ([]json.RawMessage, bool) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, false
	}

	field := desc.ItemsField
	if field == "" {
		for name, val := range obj {
			var items []json.RawMessage
			if json.Unmarshal(val, &items) == nil {
				if field != "" {
					return nil, false // ambiguous: more than one list field
				}
				field = name
			}
		}
		if field == "" {
			return nil, false
		}
	}

	items, err := extractItems(raw, field)
	if err != nil {
		return nil, false
	}
	return items, true
}
