package homeassistant

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/TorbenWetter/wachtor/internal/dispatcher"
)

// Dispatcher implements the dispatcher.Dispatcher contract for the
// three Home Assistant tools named in this repo's registry seed:
// ha_get_state, ha_call_service, ha_list_entities.
type Dispatcher struct {
	client *client
}

// New constructs a Dispatcher. It returns a nil Dispatcher and a plain
// (non-dispatcher.Error) error when the base URL or token is missing or
// invalid.
func New(cfg Config) (*Dispatcher, error) {
	c, err := newClient(cfg)
	if err != nil {
		return nil, err
	}
	return &Dispatcher{client: c}, nil
}

// Execute dispatches toolName against the Home Assistant REST API.
func (d *Dispatcher) Execute(ctx context.Context, toolName string, args map[string]any) (json.RawMessage, error) {
	switch toolName {
	case "ha_get_state":
		return d.getState(ctx, args)
	case "ha_call_service":
		return d.callService(ctx, args)
	case "ha_list_entities":
		return d.listEntities(ctx, args)
	default:
		return nil, dispatcher.ErrUnknownTool(toolName)
	}
}

func (d *Dispatcher) getState(ctx context.Context, args map[string]any) (json.RawMessage, error) {
	entityID, _ := args["entity_id"].(string)
	payload, err := d.client.getState(ctx, entityID)
	if err != nil {
		return nil, dispatcher.ErrUpstream(err.Error())
	}
	return payload, nil
}

func (d *Dispatcher) callService(ctx context.Context, args map[string]any) (json.RawMessage, error) {
	domain, _ := args["domain"].(string)
	service, _ := args["service"].(string)
	data, _ := args["service_data"].(map[string]any)

	payload, err := d.client.callService(ctx, domain, service, data)
	if err != nil {
		return nil, dispatcher.ErrUpstream(err.Error())
	}
	return payload, nil
}

func (d *Dispatcher) listEntities(ctx context.Context, args map[string]any) (json.RawMessage, error) {
	payload, err := d.client.listStates(ctx)
	if err != nil {
		return nil, dispatcher.ErrUpstream(err.Error())
	}

	var states []map[string]any
	if err := json.Unmarshal(payload, &states); err != nil {
		return nil, dispatcher.ErrUpstream(fmt.Sprintf("decode states: %v", err))
	}

	domain := strings.ToLower(strings.TrimSpace(fmt.Sprint(args["domain"])))
	if domain == "<nil>" {
		domain = ""
	}
	limit := 200
	if raw, ok := args["limit"].(float64); ok && raw > 0 {
		limit = int(raw)
	}

	type entitySummary struct {
		EntityID     string `json:"entity_id"`
		State        string `json:"state"`
		FriendlyName string `json:"friendly_name,omitempty"`
	}

	prefix := ""
	if domain != "" {
		prefix = domain + "."
	}

	out := make([]entitySummary, 0, limit)
	for _, item := range states {
		entityID, ok := item["entity_id"].(string)
		if !ok || entityID == "" {
			continue
		}
		if prefix != "" && !strings.HasPrefix(strings.ToLower(entityID), prefix) {
			continue
		}
		summary := entitySummary{EntityID: entityID, State: fmt.Sprint(item["state"])}
		if attrs, ok := item["attributes"].(map[string]any); ok {
			if v, ok := attrs["friendly_name"].(string); ok {
				summary.FriendlyName = v
			}
		}
		out = append(out, summary)
		if len(out) >= limit {
			break
		}
	}

	return json.Marshal(map[string]any{"entities": out, "total": len(out)})
}

// HealthCheck confirms the configured Home Assistant instance responds.
func (d *Dispatcher) HealthCheck(ctx context.Context) bool {
	_, err := d.client.listStates(ctx)
	return err == nil
}

// Close is a no-op: the underlying http.Client owns no persistent
// connections this dispatcher must release explicitly.
func (d *Dispatcher) Close() error { return nil }
