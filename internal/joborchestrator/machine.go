package joborchestrator

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/lbnl-ncem/still/internal/model"
)

// MachineStore is the subset of the record-store client needed to fetch
// the machine catalog.
type MachineStore interface {
	GetMachines(ctx context.Context) ([]model.Machine, error)
}

// MachineCatalog lazily fetches and caches the full machine catalog from
// the record store, then overlays a per-machine override file read from
// disk on every resolution (spec.md §4.2 step 1).
type MachineCatalog struct {
	store            MachineStore
	overridesPath    string
	defaultQOS       string
	defaultQOSFilter string
	logger           *zap.Logger

	mu      sync.Mutex
	fetched bool
	byName  map[string]model.Machine
}

// NewMachineCatalog builds a MachineCatalog. overridesPath may be empty,
// in which case no override files are ever applied (JOB_MACHINE_OVERRIDES_PATH
// is optional per spec.md §6). defaultQOS and defaultQOSFilter come from the
// process-wide JOB_QOS/JOB_QOS_FILTER settings and are only applied to a
// machine whose own qos/qos_filter (from the record store or an override
// file) is blank — a per-machine value always wins.
func NewMachineCatalog(store MachineStore, overridesPath, defaultQOS, defaultQOSFilter string, logger *zap.Logger) *MachineCatalog {
	return &MachineCatalog{
		store:            store,
		overridesPath:    overridesPath,
		defaultQOS:       defaultQOS,
		defaultQOSFilter: defaultQOSFilter,
		logger:           logger,
		byName:           map[string]model.Machine{},
	}
}

// Resolve returns the named machine, fetching the catalog from the record
// store on first use and applying any on-disk override on every call.
func (c *MachineCatalog) Resolve(ctx context.Context, name string) (model.Machine, error) {
	c.mu.Lock()
	if !c.fetched {
		machines, err := c.store.GetMachines(ctx)
		if err != nil {
			c.mu.Unlock()
			return model.Machine{}, fmt.Errorf("joborchestrator: fetching machine catalog: %w", err)
		}
		for _, m := range machines {
			c.byName[m.Name] = m
		}
		c.fetched = true
	}
	machine, ok := c.byName[name]
	c.mu.Unlock()
	if !ok {
		return model.Machine{}, fmt.Errorf("joborchestrator: unknown machine %q", name)
	}

	machine, err := c.applyOverride(machine)
	if err != nil {
		return model.Machine{}, err
	}
	if machine.QOS == "" {
		machine.QOS = c.defaultQOS
	}
	if machine.QOSFilter == "" {
		machine.QOSFilter = c.defaultQOSFilter
	}
	return machine, nil
}

// Names lists every machine in the cached catalog, fetching it first if
// needed. Used by the reconciler to iterate configured machines.
func (c *MachineCatalog) Names(ctx context.Context) ([]string, error) {
	c.mu.Lock()
	if !c.fetched {
		machines, err := c.store.GetMachines(ctx)
		if err != nil {
			c.mu.Unlock()
			return nil, fmt.Errorf("joborchestrator: fetching machine catalog: %w", err)
		}
		for _, m := range machines {
			c.byName[m.Name] = m
		}
		c.fetched = true
	}
	names := make([]string, 0, len(c.byName))
	for n := range c.byName {
		names = append(names, n)
	}
	c.mu.Unlock()
	return names, nil
}

// applyOverride parses `<overridesPath>/<machine-name>` as key=value lines
// and overlays recognized keys onto machine. An absent override file is
// not an error (SPEC_FULL.md §4, item 2: "absent file = not an error").
func (c *MachineCatalog) applyOverride(machine model.Machine) (model.Machine, error) {
	if c.overridesPath == "" {
		return machine, nil
	}

	f, err := os.Open(filepath.Join(c.overridesPath, machine.Name))
	if os.IsNotExist(err) {
		return machine, nil
	}
	if err != nil {
		return model.Machine{}, fmt.Errorf("joborchestrator: opening override file for %s: %w", machine.Name, err)
	}
	defer f.Close()

	if machine.Env == nil {
		machine.Env = map[string]string{}
	}

	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		key, value, ok := strings.Cut(line, "=")
		if !ok {
			c.logger.Warn("malformed override line, skipping",
				zap.String("machine", machine.Name), zap.Int("line", lineNo))
			continue
		}
		key, value = strings.TrimSpace(key), strings.TrimSpace(value)

		switch key {
		case "bbcp_dest_dir":
			machine.BbcpDestDir = value
		case "qos":
			machine.QOS = value
		case "qos_filter":
			machine.QOSFilter = value
		default:
			machine.Env[key] = value
		}
	}
	if err := scanner.Err(); err != nil {
		return model.Machine{}, fmt.Errorf("joborchestrator: reading override file for %s: %w", machine.Name, err)
	}

	return machine, nil
}
