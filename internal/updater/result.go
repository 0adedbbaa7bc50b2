package updater

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/clickstart/clickstart/util"
)

// Result is the outcome of an update, handed from the process that applied it to the
// process it relaunched.
type Result struct {
	Success    bool
	Error      string
	Version    string
	ExecutedAt time.Time
}

func (r Result) String() string {
	if r.Success {
		return fmt.Sprintf("launcher updated to version %q at %s", r.Version, r.ExecutedAt.Format(time.RFC3339))
	}
	return fmt.Sprintf("update failed at %s: %s", r.ExecutedAt.Format(time.RFC3339), r.Error)
}

// ResultHandler handles reading and writing update results
type ResultHandler struct {
	resultFile string
}

// NewResultHandler creates a handler for the result file at path.
func NewResultHandler(path string) *ResultHandler {
	return &ResultHandler{
		resultFile: path,
	}
}

// Write writes the update result for the next process to read
func (rh *ResultHandler) Write(result Result) error {
	log.Infof("write out update result to: %s", rh.resultFile)
	return util.WriteJson(context.Background(), rh.resultFile, result)
}

// Consume reads and removes the result file. ok is false when there is none.
func (rh *ResultHandler) Consume() (result Result, ok bool, err error) {
	result, err = rh.tryReadResult()
	if errors.Is(err, os.ErrNotExist) {
		return Result{}, false, nil
	}

	if cerr := rh.Cleanup(); cerr != nil {
		log.Warnf("failed to cleanup result file: %v", cerr)
	}

	if err != nil {
		return Result{}, false, err
	}
	return result, true, nil
}

// Cleanup removes the result file if it exists
func (rh *ResultHandler) Cleanup() error {
	if err := util.RemoveJson(rh.resultFile); err != nil {
		return err
	}
	log.Debugf("delete update result file: %s", rh.resultFile)
	return nil
}

// tryReadResult attempts to read and validate the result file
func (rh *ResultHandler) tryReadResult() (Result, error) {
	data, err := os.ReadFile(rh.resultFile)
	if err != nil {
		return Result{}, err
	}

	var result Result
	if err := json.Unmarshal(data, &result); err != nil {
		return Result{}, fmt.Errorf("invalid result format: %w", err)
	}

	return result, nil
}
