package worker

import (
	_ "embed"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

//go:embed schemas/patient_asset.json
var patientAssetSchemaJSON string

var patientAssetSchema = mustSchema(patientAssetSchemaJSON)

func mustSchema(src string) *gojsonschema.Schema {
	s, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(src))
	if err != nil {
		panic(fmt.Sprintf("invalid embedded schema: %v", err))
	}
	return s
}

// validateAsset checks a ledger-write payload against the PatientAsset schema.
func validateAsset(payload []byte) error {
	result, err := patientAssetSchema.Validate(gojsonschema.NewBytesLoader(payload))
	if err != nil {
		return fmt.Errorf("schema validation error: %w", err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return fmt.Errorf("payload failed schema validation: %s", strings.Join(msgs, "; "))
	}
	return nil
}
