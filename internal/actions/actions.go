// Package actions holds the built-in automated step actions and completion hooks.
package actions

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/mikedrai/gep-partner-system-sub001/pkg/engine"
	"github.com/mikedrai/gep-partner-system-sub001/pkg/models"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
)

// ComplianceFields are the context paths a partner must provide before onboarding completes.
var ComplianceFields = []string{"partner.tax_id", "partner.license_number", "partner.insurance_expiry"}

// ComplianceCheck reports which compliance fields are missing from the
// instance context. An incomplete record is an unsuccessful result, not an error.
func ComplianceCheck(_ context.Context, inst models.WorkflowInstance) (engine.ActionResult, error) {
	raw, err := json.Marshal(inst.Context)
	if err != nil {
		return engine.ActionResult{}, errors.Wrap(err, "encode context")
	}
	missing := []string{}
	for _, path := range ComplianceFields {
		v := gjson.GetBytes(raw, path)
		if !v.Exists() || strings.TrimSpace(v.String()) == "" {
			missing = append(missing, path)
		}
	}

	res := engine.ActionResult{
		Success: len(missing) == 0,
		Output: map[string]interface{}{
			"checked_at": time.Now().UTC().Format(time.RFC3339),
			"missing":    missing,
		},
	}
	if !res.Success {
		res.Message = "missing " + strings.Join(missing, ", ")
	}
	return res, nil
}

// Register installs the built-in actions and a logging hook for every hook
// name the definitions refer to.
func Register(eng *engine.Engine, logger logrus.FieldLogger) error {
	if err := eng.RegisterAction("compliance_check", ComplianceCheck); err != nil {
		return err
	}
	seen := map[string]bool{}
	for _, def := range eng.Definitions() {
		for _, name := range []string{def.OnComplete, def.OnReject} {
			if name == "" || seen[name] {
				continue
			}
			seen[name] = true
			if err := eng.RegisterHook(name, logHook(name, logger)); err != nil {
				return err
			}
		}
	}
	return nil
}

func logHook(name string, logger logrus.FieldLogger) engine.Hook {
	return func(_ context.Context, inst models.WorkflowInstance) error {
		logger.WithFields(logrus.Fields{
			"hook":        name,
			"instance_id": inst.ID,
			"definition":  inst.DefinitionID,
			"entity":      inst.EntityType + "/" + inst.EntityID,
			"status":      inst.Status,
		}).Info("workflow hook fired")
		return nil
	}
}
