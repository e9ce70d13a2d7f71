package ledger

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	schemasassets "github.com/3leaps/gofielding/internal/assets/schemas"
	"github.com/fulmenhq/gofulmen/schema"
)

// WorkerKind tags a job with the worker that executes it. The set is closed:
// adding a kind means adding a kindRules entry.
type WorkerKind string

const (
	// KindDefault is the unspecialized kind a dispatcher later turns into a
	// concrete kind via SpecializeJob.
	KindDefault   WorkerKind = "default"
	KindFuzzer    WorkerKind = "fuzzer"
	KindDriller   WorkerKind = "driller"
	KindExploiter WorkerKind = "exploiter"
	KindPatcher   WorkerKind = "patcher"
	KindTester    WorkerKind = "tester"
)

// DedupPolicy decides when a new job duplicates existing work.
type DedupPolicy int

const (
	// DedupNone never suppresses a new job.
	DedupNone DedupPolicy = iota
	// DedupWhileOpen suppresses a new job while any job of the same kind for
	// the artifact is incomplete.
	DedupWhileOpen
	// DedupPerInput suppresses a new job if any job, completed or not, exists
	// for the same artifact, kind and upstream input.
	DedupPerInput
)

func (p DedupPolicy) String() string {
	switch p {
	case DedupWhileOpen:
		return "while-open"
	case DedupPerInput:
		return "per-input"
	default:
		return "none"
	}
}

// scope is the value stored in jobs.dedup_scope; the partial unique indexes
// key on it.
func (p DedupPolicy) scope() string {
	switch p {
	case DedupWhileOpen:
		return "open"
	case DedupPerInput:
		return "input"
	default:
		return "none"
	}
}

// ErrInvalidPayload is returned when a job payload does not match its kind.
var ErrInvalidPayload = errors.New("invalid job payload")

// PayloadError lists the schema issues found in a job payload.
type PayloadError struct {
	Kind   WorkerKind
	Issues []string
}

func (e *PayloadError) Error() string {
	return fmt.Sprintf("%s payload: %s", e.Kind, strings.Join(e.Issues, "; "))
}

func (e *PayloadError) Unwrap() error {
	return ErrInvalidPayload
}

type kindRule struct {
	dedup DedupPolicy
	// inputField is the payload field carrying the upstream input id for
	// DedupPerInput kinds.
	inputField string
	schema     []byte
}

var kindRules = map[WorkerKind]kindRule{
	KindDefault:   {dedup: DedupNone, schema: schemasassets.JobPayloadBaseSchema},
	KindFuzzer:    {dedup: DedupWhileOpen, schema: schemasassets.JobPayloadBaseSchema},
	KindPatcher:   {dedup: DedupWhileOpen, schema: schemasassets.JobPayloadBaseSchema},
	KindDriller:   {dedup: DedupPerInput, inputField: "test_id", schema: schemasassets.JobPayloadTestSchema},
	KindTester:    {dedup: DedupPerInput, inputField: "test_id", schema: schemasassets.JobPayloadTestSchema},
	KindExploiter: {dedup: DedupPerInput, inputField: "crash_id", schema: schemasassets.JobPayloadCrashSchema},
}

// WorkerKinds returns every known kind in name order.
func WorkerKinds() []WorkerKind {
	out := make([]WorkerKind, 0, len(kindRules))
	for k := range kindRules {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func ParseWorkerKind(s string) (WorkerKind, error) {
	k := WorkerKind(strings.ToLower(strings.TrimSpace(s)))
	if !k.Valid() {
		return "", fmt.Errorf("unknown worker kind %q", s)
	}
	return k, nil
}

func (k WorkerKind) Valid() bool {
	_, ok := kindRules[k]
	return ok
}

func (k WorkerKind) Dedup() DedupPolicy {
	return kindRules[k].dedup
}

// InputField names the payload field holding the upstream input id, or "".
func (k WorkerKind) InputField() string {
	return kindRules[k].inputField
}

var (
	payloadValidatorsOnce sync.Once
	payloadValidators     map[WorkerKind]*schema.Validator
	payloadValidatorsErr  error
)

func payloadValidator(k WorkerKind) (*schema.Validator, error) {
	payloadValidatorsOnce.Do(func() {
		compiled := make(map[string]*schema.Validator)
		payloadValidators = make(map[WorkerKind]*schema.Validator, len(kindRules))
		for kind, rule := range kindRules {
			key := string(rule.schema)
			v, ok := compiled[key]
			if !ok {
				var err error
				v, err = schema.NewValidator(rule.schema)
				if err != nil {
					payloadValidatorsErr = fmt.Errorf("compile %s payload schema: %w", kind, err)
					return
				}
				compiled[key] = v
			}
			payloadValidators[kind] = v
		}
	})
	if payloadValidatorsErr != nil {
		return nil, payloadValidatorsErr
	}
	return payloadValidators[k], nil
}

// normalizePayload validates payload against the kind's schema and returns the
// compacted payload plus the canonical input key for per-input kinds.
func (k WorkerKind) normalizePayload(payload json.RawMessage) (json.RawMessage, *string, error) {
	if !k.Valid() {
		return nil, nil, fmt.Errorf("unknown worker kind %q", string(k))
	}
	if len(bytes.TrimSpace(payload)) == 0 {
		payload = json.RawMessage(`{}`)
	}
	var compact bytes.Buffer
	if err := json.Compact(&compact, payload); err != nil {
		return nil, nil, &PayloadError{Kind: k, Issues: []string{"payload is not valid JSON: " + err.Error()}}
	}

	v, err := payloadValidator(k)
	if err != nil {
		return nil, nil, err
	}
	diags, err := v.ValidateJSON(compact.Bytes())
	if err != nil {
		return nil, nil, fmt.Errorf("validate %s payload: %w", k, err)
	}
	var issues []string
	for _, d := range diags {
		if d.Severity != schema.SeverityError {
			continue
		}
		if d.Pointer != "" {
			issues = append(issues, d.Pointer+": "+d.Message)
		} else {
			issues = append(issues, d.Message)
		}
	}
	if len(issues) > 0 {
		return nil, nil, &PayloadError{Kind: k, Issues: issues}
	}

	out := json.RawMessage(compact.Bytes())
	if k.Dedup() != DedupPerInput {
		return out, nil, nil
	}
	key, err := k.inputKey(out)
	if err != nil {
		return nil, nil, err
	}
	return out, &key, nil
}

// inputKey reads the kind's input field and renders it canonically, so that
// 5 and "5" name the same upstream input.
func (k WorkerKind) inputKey(payload json.RawMessage) (string, error) {
	field := k.InputField()
	if field == "" {
		return "", fmt.Errorf("%s jobs carry no input id", k)
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil {
		return "", &PayloadError{Kind: k, Issues: []string{"payload must be an object"}}
	}
	raw, ok := fields[field]
	if !ok {
		return "", &PayloadError{Kind: k, Issues: []string{"missing " + field}}
	}

	raw = bytes.TrimSpace(raw)
	if len(raw) > 0 && raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", &PayloadError{Kind: k, Issues: []string{field + ": " + err.Error()}}
		}
		s = strings.TrimSpace(s)
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return strconv.FormatInt(n, 10), nil
		}
		if s == "" {
			return "", &PayloadError{Kind: k, Issues: []string{field + " is empty"}}
		}
		return s, nil
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var n json.Number
	if err := dec.Decode(&n); err != nil {
		return "", &PayloadError{Kind: k, Issues: []string{field + " must be an integer or string"}}
	}
	i, err := n.Int64()
	if err != nil {
		return "", &PayloadError{Kind: k, Issues: []string{field + " must be an integer"}}
	}
	return strconv.FormatInt(i, 10), nil
}
