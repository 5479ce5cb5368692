package joborchestrator

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lbnl-ncem/still/internal/model"
)

type fakeMachineStore struct {
	machines []model.Machine
	calls    int
}

func (f *fakeMachineStore) GetMachines(ctx context.Context) ([]model.Machine, error) {
	f.calls++
	return f.machines, nil
}

func TestMachineCatalogResolveCachesAfterFirstFetch(t *testing.T) {
	store := &fakeMachineStore{machines: []model.Machine{{Name: "cori", QOS: "regular"}}}
	catalog := NewMachineCatalog(store, "", "", "", zap.NewNop())

	m1, err := catalog.Resolve(context.Background(), "cori")
	require.NoError(t, err)
	assert.Equal(t, "regular", m1.QOS)

	_, err = catalog.Resolve(context.Background(), "cori")
	require.NoError(t, err)
	assert.Equal(t, 1, store.calls, "catalog should only fetch once")
}

func TestMachineCatalogResolveUnknownMachine(t *testing.T) {
	store := &fakeMachineStore{machines: []model.Machine{{Name: "cori"}}}
	catalog := NewMachineCatalog(store, "", "", "", zap.NewNop())

	_, err := catalog.Resolve(context.Background(), "perlmutter")
	assert.Error(t, err)
}

func TestMachineCatalogAppliesOverrideFile(t *testing.T) {
	dir := t.TempDir()
	override := "bbcp_dest_dir=/scratch/override\nqos=debug\ncustom_key=custom_value\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "cori"), []byte(override), 0o644))

	store := &fakeMachineStore{machines: []model.Machine{{Name: "cori", BbcpDestDir: "/scratch/default", QOS: "regular"}}}
	catalog := NewMachineCatalog(store, dir, "", "", zap.NewNop())

	m, err := catalog.Resolve(context.Background(), "cori")
	require.NoError(t, err)
	assert.Equal(t, "/scratch/override", m.BbcpDestDir)
	assert.Equal(t, "debug", m.QOS)
	assert.Equal(t, "custom_value", m.Env["custom_key"])
}

func TestMachineCatalogMissingOverrideFileIsNotAnError(t *testing.T) {
	store := &fakeMachineStore{machines: []model.Machine{{Name: "cori", QOS: "regular"}}}
	catalog := NewMachineCatalog(store, t.TempDir(), "", "", zap.NewNop())

	m, err := catalog.Resolve(context.Background(), "cori")
	require.NoError(t, err)
	assert.Equal(t, "regular", m.QOS)
}

func TestMachineCatalogAppliesGlobalDefaultQOSWhenMachineHasNone(t *testing.T) {
	store := &fakeMachineStore{machines: []model.Machine{{Name: "cori"}}}
	catalog := NewMachineCatalog(store, "", "regular", "regular_filter", zap.NewNop())

	m, err := catalog.Resolve(context.Background(), "cori")
	require.NoError(t, err)
	assert.Equal(t, "regular", m.QOS)
	assert.Equal(t, "regular_filter", m.QOSFilter)
}

func TestMachineCatalogPerMachineQOSWinsOverGlobalDefault(t *testing.T) {
	store := &fakeMachineStore{machines: []model.Machine{{Name: "cori", QOS: "debug", QOSFilter: "debug_filter"}}}
	catalog := NewMachineCatalog(store, "", "regular", "regular_filter", zap.NewNop())

	m, err := catalog.Resolve(context.Background(), "cori")
	require.NoError(t, err)
	assert.Equal(t, "debug", m.QOS)
	assert.Equal(t, "debug_filter", m.QOSFilter)
}

func TestMachineCatalogNames(t *testing.T) {
	store := &fakeMachineStore{machines: []model.Machine{{Name: "cori"}, {Name: "perlmutter"}}}
	catalog := NewMachineCatalog(store, "", "", "", zap.NewNop())

	names, err := catalog.Names(context.Background())
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"cori", "perlmutter"}, names)
}
