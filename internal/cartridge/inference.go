package cartridge

import (
	"strings"

	"github.com/execguard/broker/internal/errs"
	"github.com/execguard/broker/internal/store"
)

// InferCartridgeID picks the cartridge whose manifest declares the
// longest matching action-type prefix among registry's snapshot
// (spec.md §4.8 step 2: "if cartridgeId is omitted, infer it from the
// action type's namespace prefix"). A tie on prefix length, or no
// match at all, is an error: an ambiguous or unknown action type must
// not silently pick an arbitrary cartridge.
func InferCartridgeID(actionType string, registry store.CartridgeRegistry) (string, error) {
	var bestID string
	bestLen := -1
	ambiguous := false

	for _, c := range registry.Snapshot() {
		manifest := c.Manifest()
		for _, action := range manifest.Actions {
			if !actionMatches(actionType, action.ActionType) {
				continue
			}
			l := len(action.ActionType)
			switch {
			case l > bestLen:
				bestLen = l
				bestID = manifest.ID
				ambiguous = false
			case l == bestLen && manifest.ID != bestID:
				ambiguous = true
			}
		}
	}

	if bestLen < 0 {
		return "", errs.New(errs.KindCannotInferCartridge, "no cartridge declares action type "+actionType)
	}
	if ambiguous {
		return "", errs.New(errs.KindCannotInferCartridge, "multiple cartridges declare action type "+actionType)
	}
	return bestID, nil
}

// actionMatches allows a manifest action entry to be an exact action
// type or a "namespace.*" prefix wildcard.
func actionMatches(actionType, declared string) bool {
	if declared == actionType {
		return true
	}
	if strings.HasSuffix(declared, ".*") {
		return strings.HasPrefix(actionType, strings.TrimSuffix(declared, "*"))
	}
	return false
}

// ResolveCartridge looks up an explicit cartridge id, or infers one
// from the action type when cartridgeID is empty.
func ResolveCartridge(cartridgeID, actionType string, registry store.CartridgeRegistry) (store.Cartridge, string, error) {
	if cartridgeID == "" {
		inferred, err := InferCartridgeID(actionType, registry)
		if err != nil {
			return nil, "", err
		}
		cartridgeID = inferred
	}
	c, ok := registry.Get(cartridgeID)
	if !ok {
		return nil, "", errs.New(errs.KindUnknownCartridge, "unknown cartridge: "+cartridgeID)
	}
	return c, cartridgeID, nil
}
