package sysprobe

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"

	"gpulimit/domain/resource"
)

// DefaultNvidiaSMI is looked up in PATH.
const DefaultNvidiaSMI = "nvidia-smi"

var queryGPUArgs = []string{
	"--query-gpu=index,name,memory.total,memory.free,memory.used,utilization.gpu",
	"--format=csv,noheader,nounits",
}

// Runner runs a query command and returns its stdout.
type Runner interface {
	Output(ctx context.Context, name string, args ...string) (string, error)
}

type NvidiaSMI struct {
	path   string
	runner Runner
}

func NewNvidiaSMI(path string, runner Runner) *NvidiaSMI {
	if strings.TrimSpace(path) == "" {
		path = DefaultNvidiaSMI
	}
	return &NvidiaSMI{path: path, runner: runner}
}

func (n *NvidiaSMI) QueryGPUs(ctx context.Context) ([]resource.Device, error) {
	out, err := n.runner.Output(ctx, n.path, queryGPUArgs...)
	if err != nil {
		var execErr *exec.Error
		if errors.As(err, &execErr) && errors.Is(execErr.Err, exec.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("error while executing %s: %w", n.path, err)
	}
	return parseGPUQuery(out)
}

func parseGPUQuery(out string) ([]resource.Device, error) {
	r := csv.NewReader(strings.NewReader(out))
	r.TrimLeadingSpace = true

	var devices []resource.Device
	for {
		record, err := r.Read()
		switch {
		case err == io.EOF:
			return devices, nil
		case err != nil:
			return nil, fmt.Errorf("error parsing output of nvidia-smi as csv: %w", err)
		case len(record) != 6:
			return nil, fmt.Errorf("error parsing output of nvidia-smi; GPU record should have exactly 6 fields, got %d", len(record))
		}

		index, err := strconv.Atoi(strings.TrimSpace(record[0]))
		if err != nil {
			return nil, fmt.Errorf("error parsing output of nvidia-smi; index of GPU cannot be converted to int: %w", err)
		}

		d := resource.Device{
			ID:   index,
			Name: strings.TrimSpace(record[1]),
		}
		if d.TotalMB, err = parseMiB(record[2]); err != nil {
			return nil, fmt.Errorf("gpu %d memory.total: %w", index, err)
		}
		if d.FreeMB, err = parseMiB(record[3]); err != nil {
			return nil, fmt.Errorf("gpu %d memory.free: %w", index, err)
		}
		if d.UsedMB, err = parseMiB(record[4]); err != nil {
			return nil, fmt.Errorf("gpu %d memory.used: %w", index, err)
		}
		if util, err := strconv.ParseFloat(strings.TrimSpace(record[5]), 64); err == nil {
			d.Utilization = &util
		}

		devices = append(devices, d)
	}
}

func parseMiB(field string) (uint64, error) {
	field = strings.TrimSpace(field)
	if strings.HasPrefix(field, "[") {
		// [N/A], [Not Supported]
		return 0, nil
	}
	return strconv.ParseUint(field, 10, 64)
}
