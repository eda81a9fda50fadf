package config

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"delivery-route-ledger/internal/domain"
	"delivery-route-ledger/internal/ports"
	"delivery-route-ledger/internal/services"
)

// policyDoc is the AUTH_POLICY_FILE layout:
//
//	admins: [ops-1]
//	dispatchers: [dispatch-1, dispatch-2]
//	dispatcher_actions: [transition, retry_anchor]
//	actor_keys:
//	  driver-7: 0x...
type policyDoc struct {
	Admins            []string          `yaml:"admins"`
	Dispatchers       []string          `yaml:"dispatchers"`
	DispatcherActions []string          `yaml:"dispatcher_actions"`
	ActorKeys         map[string]string `yaml:"actor_keys"`
}

// Policy is the parsed authorization file.
type Policy struct {
	Authorization ports.AuthorizationPolicy
	// ActorKeys maps actors to ledger signing keys for the Ethereum backend.
	ActorKeys map[string]string
}

// LoadPolicy reads the YAML policy at path. An empty path yields the
// owner-only policy.
func LoadPolicy(path string) (Policy, error) {
	if path == "" {
		return Policy{Authorization: services.OwnerPolicy{}}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, fmt.Errorf("config policy: %w", err)
	}
	return ParsePolicy(data)
}

func ParsePolicy(data []byte) (Policy, error) {
	var doc policyDoc
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return Policy{}, fmt.Errorf("config policy: unmarshal: %w", err)
	}

	known := map[domain.Action]bool{
		domain.ActionTransition:      true,
		domain.ActionStartStop:       true,
		domain.ActionConfirmDelivery: true,
		domain.ActionComplete:        true,
		domain.ActionDelete:          true,
		domain.ActionRetryAnchor:     true,
	}
	actions := make([]domain.Action, 0, len(doc.DispatcherActions))
	for _, a := range doc.DispatcherActions {
		if !known[domain.Action(a)] {
			return Policy{}, fmt.Errorf("config policy: unknown action %q", a)
		}
		actions = append(actions, domain.Action(a))
	}

	return Policy{
		Authorization: services.RolePolicy{
			Admins:            doc.Admins,
			Dispatchers:       doc.Dispatchers,
			DispatcherActions: actions,
		},
		ActorKeys: doc.ActorKeys,
	}, nil
}
