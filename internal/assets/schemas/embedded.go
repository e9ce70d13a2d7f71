// Package schemasassets provides the embedded JSON schemas used by gofielding.
//
// Schemas are compiled into the binary so that manifest and payload validation
// work regardless of the working directory or installation location.
package schemasassets

import _ "embed"

// CompetitionManifestSchema validates seed manifests (rounds, teams, targets).
//
//go:embed competition-manifest.schema.json
var CompetitionManifestSchema []byte

// JobPayloadBaseSchema validates payloads of kinds without an input id.
//
//go:embed job-payload-base.schema.json
var JobPayloadBaseSchema []byte

// JobPayloadTestSchema validates payloads keyed on test_id.
//
//go:embed job-payload-test.schema.json
var JobPayloadTestSchema []byte

// JobPayloadCrashSchema validates payloads keyed on crash_id.
//
//go:embed job-payload-crash.schema.json
var JobPayloadCrashSchema []byte
