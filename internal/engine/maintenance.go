package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/ZebulonRouseFrantzich/setupkit/internal/config"
	"github.com/ZebulonRouseFrantzich/setupkit/internal/container"
	"github.com/ZebulonRouseFrantzich/setupkit/internal/transaction"
)

// Blocks of the maintenance tool container.
const (
	BlockConfig  = "installer.lua"
	BlockRecord  = "installation.json"
	BlockScripts = "scripts"
)

// MaintenanceData is what a maintenance tool carries besides its executable.
type MaintenanceData struct {
	Layout *container.Layout
	// Config is the generated installer configuration.
	Config string
	Record *transaction.Record
	// Scripts maps "<component>/<file>" to the component scripts of the
	// installed components.
	Scripts map[string][]byte
}

// ReadMaintenanceData reads the blocks embedded in path. A plain executable fails
// with container.ErrNoContainer.
func ReadMaintenanceData(path string) (*MaintenanceData, error) {
	layout, err := container.Open(path)
	if err != nil {
		return nil, err
	}
	data := &MaintenanceData{Layout: layout}

	if _, ok := layout.Block(BlockConfig); ok {
		cfg, err := layout.ReadBlock(BlockConfig)
		if err != nil {
			return nil, err
		}
		data.Config = string(cfg)
	}
	if _, ok := layout.Block(BlockRecord); ok {
		raw, err := layout.ReadBlock(BlockRecord)
		if err != nil {
			return nil, err
		}
		if data.Record, err = transaction.DecodeRecord(raw); err != nil {
			return nil, err
		}
	}
	if _, ok := layout.Block(BlockScripts); ok {
		raw, err := layout.ReadBlock(BlockScripts)
		if err != nil {
			return nil, err
		}
		if data.Scripts, err = container.UnpackCollection(bytes.NewReader(raw)); err != nil {
			return nil, err
		}
	}
	return data, nil
}

// WriteMaintenanceTool rewrites the maintenance tool from the current record
// without changing the installation.
func (e *Engine) WriteMaintenanceTool(ctx context.Context) (string, error) {
	if e.deps.Executable == "" {
		return "", errors.New("no executable to build the maintenance tool from")
	}
	if err := e.begin(nil); err != nil {
		return "", err
	}
	defer e.end()

	lock, err := transaction.AcquireLock(ctx, e.path(), transaction.WithProcessChecker(e.deps.Prober))
	if err != nil {
		return "", err
	}
	defer lock.Release()

	record, err := e.loadRecord()
	if err != nil {
		return "", err
	}
	if len(record.Components) == 0 {
		return "", fmt.Errorf("nothing is installed in %s", e.cfg.TargetDir)
	}
	if err := e.writeMaintenanceTool(record, nil); err != nil {
		return "", err
	}
	return e.maintenanceToolPath(), nil
}

func (e *Engine) maintenanceToolPath() string {
	return filepath.Join(e.cfg.TargetDir, e.cfg.MaintenanceTool)
}

// writeMaintenanceTool writes the executable with the configuration, the record
// and the scripts of installed components appended. Scripts carried by the
// previous tool are kept for components that are still installed.
func (e *Engine) writeMaintenanceTool(record *transaction.Record, scripts map[string][]byte) error {
	if e.deps.Executable == "" {
		return nil
	}

	merged := make(map[string][]byte)
	if prev, err := ReadMaintenanceData(e.deps.Executable); err == nil {
		for k, v := range prev.Scripts {
			merged[k] = v
		}
	} else if !errors.Is(err, container.ErrNoContainer) {
		e.logger.Warn("ignoring unreadable container in executable", "path", e.deps.Executable, "error", err)
	}
	for k, v := range scripts {
		merged[k] = v
	}
	for k := range merged {
		id, _, _ := strings.Cut(k, "/")
		if _, ok := record.Get(id); !ok {
			delete(merged, k)
		}
	}

	cfgLua, err := config.NewGenerator().Generate(e.cfg)
	if err != nil {
		return err
	}
	recordJSON, err := record.Marshal()
	if err != nil {
		return err
	}
	packed, err := container.PackCollection(merged)
	if err != nil {
		return err
	}

	w, err := container.Create(e.maintenanceToolPath(), e.deps.Executable)
	if err != nil {
		return err
	}
	for _, b := range []struct {
		name string
		kind container.Kind
		data []byte
	}{
		{BlockConfig, container.KindMetadata, []byte(cfgLua)},
		{BlockRecord, container.KindOperations, recordJSON},
		{BlockScripts, container.KindResources, packed},
	} {
		if _, err := w.AppendBlock(b.name, b.kind, b.data); err != nil {
			_ = w.Abort()
			return fmt.Errorf("append %s: %w", b.name, err)
		}
	}
	if err := w.Finalize(); err != nil {
		return err
	}
	e.logger.Info("maintenance tool written", "path", e.maintenanceToolPath(), "components", len(record.Components))
	return nil
}
