package harness

import (
	"bytes"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"gopkg.in/yaml.v3"

	"github.com/roach88/wstm/internal/engine"
)

// Scenario defines a concurrent workload and the invariants it must keep.
// Tags serve both YAML decoding and CUE decoding (which uses json tags).
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name" json:"name"`

	// Description explains what this scenario exercises.
	Description string `yaml:"description" json:"description"`

	// Policy selects the conflict resolution policy. Defaults to restart.
	Policy PolicySpec `yaml:"policy,omitempty" json:"policy,omitempty"`

	// RetryTimeout bounds every blocking retry (Go duration syntax).
	// Defaults to DefaultRetryTimeout.
	RetryTimeout string `yaml:"retry_timeout,omitempty" json:"retry_timeout,omitempty"`

	// Timeout bounds the whole run (Go duration syntax).
	// Defaults to DefaultTimeout.
	Timeout string `yaml:"timeout,omitempty" json:"timeout,omitempty"`

	// Vars are the integer variables and their initial values.
	Vars map[string]int64 `yaml:"vars" json:"vars"`

	// Channels are the FIFO channels, by name.
	Channels map[string]ChannelSpec `yaml:"channels,omitempty" json:"channels,omitempty"`

	// Results are the names of deferred results.
	Results []string `yaml:"results,omitempty" json:"results,omitempty"`

	// Workers run concurrently, one goroutine each.
	Workers []Worker `yaml:"workers" json:"workers"`

	// Assertions are checked against the final state.
	Assertions []Assertion `yaml:"assertions" json:"assertions"`
}

// PolicySpec names a conflict resolution policy.
type PolicySpec struct {
	// Kind is restart, locked, locked-vars or propagate.
	Kind string `yaml:"kind,omitempty" json:"kind,omitempty"`

	// After is the conflict count that triggers locking (locked,
	// locked-vars) or failure (propagate).
	After int `yaml:"after,omitempty" json:"after,omitempty"`

	// Scope is engine or variables, for kind locked.
	Scope string `yaml:"scope,omitempty" json:"scope,omitempty"`
}

// ChannelSpec configures one channel.
type ChannelSpec struct {
	// Capacity bounds the channel; 0 is unbounded.
	Capacity int `yaml:"capacity,omitempty" json:"capacity,omitempty"`
}

// Worker is one concurrent loop of transactions.
type Worker struct {
	Name       string   `yaml:"name" json:"name"`
	Op         string   `yaml:"op" json:"op"`
	Var        string   `yaml:"var,omitempty" json:"var,omitempty"`
	Vars       []string `yaml:"vars,omitempty" json:"vars,omitempty"`
	From       string   `yaml:"from,omitempty" json:"from,omitempty"`
	To         string   `yaml:"to,omitempty" json:"to,omitempty"`
	Channel    string   `yaml:"channel,omitempty" json:"channel,omitempty"`
	Result     string   `yaml:"result,omitempty" json:"result,omitempty"`
	Amount     int64    `yaml:"amount,omitempty" json:"amount,omitempty"`
	Value      int64    `yaml:"value,omitempty" json:"value,omitempty"`
	Iterations int      `yaml:"iterations,omitempty" json:"iterations,omitempty"`

	// Label tags the worker's transactions in profiles. Defaults to Name.
	Label string `yaml:"label,omitempty" json:"label,omitempty"`
}

// Assertion is an invariant over the final state.
type Assertion struct {
	Type    string   `yaml:"type" json:"type"`
	Var     string   `yaml:"var,omitempty" json:"var,omitempty"`
	Vars    []string `yaml:"vars,omitempty" json:"vars,omitempty"`
	Channel string   `yaml:"channel,omitempty" json:"channel,omitempty"`
	Value   int64    `yaml:"value" json:"value"`
}

// Worker operations.
const (
	OpIncrement = "increment"
	OpTransfer  = "transfer"
	OpPush      = "push"
	OpPop       = "pop"
	OpDrain     = "drain"
	OpTake      = "take"
	OpClose     = "close"
	OpWait      = "wait"
	OpResolve   = "resolve"
	OpAwait     = "await"
)

// Assertion type constants.
const (
	AssertEquals      = "equals"
	AssertSum         = "sum"
	AssertMinObserved = "min_observed"
	AssertChannelLen  = "channel_len"
)

// Policy kinds.
const (
	PolicyRestart    = "restart"
	PolicyLocked     = "locked"
	PolicyLockedVars = "locked-vars"
	PolicyPropagate  = "propagate"
)

// Defaults applied when a scenario leaves the field empty.
const (
	DefaultRetryTimeout = 10 * time.Second
	DefaultTimeout      = time.Minute
	DefaultLockAfter    = 8
)

// Build returns the engine policy p describes.
func (p PolicySpec) Build() (engine.Policy, error) {
	after := p.After
	if after <= 0 {
		after = DefaultLockAfter
	}
	scope, err := engine.ParseLockScope(p.Scope)
	if err != nil {
		return nil, err
	}

	switch p.Kind {
	case "", PolicyRestart:
		return engine.AlwaysRestart(), nil
	case PolicyLocked:
		return engine.RunLockedAfter(after, scope), nil
	case PolicyLockedVars:
		return engine.RunLockedAfter(after, engine.ScopeVariables), nil
	case PolicyPropagate:
		return engine.MaxConflicts(after, engine.Propagate), nil
	}
	return nil, fmt.Errorf("unknown policy kind %q", p.Kind)
}

// LoadScenario reads and parses a scenario file. The format follows the
// extension: .cue files are evaluated with CUE, anything else is YAML.
// Returns an error if the file doesn't exist, is malformed, contains
// unknown fields (typos), or fails validation.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}

	var scenario *Scenario
	if filepath.Ext(path) == ".cue" {
		scenario, err = ParseCUE(path, data)
	} else {
		scenario, err = ParseYAML(data)
	}
	if err != nil {
		return nil, err
	}

	if err := validateScenario(scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return scenario, nil
}

// ParseYAML decodes a YAML scenario with strict field checking. It does not
// validate the result.
func ParseYAML(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true) // Reject unknown fields
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	return &scenario, nil
}

// ParseCUE evaluates a CUE scenario and decodes it. filename is used in
// error positions only. It does not validate the result.
func ParseCUE(filename string, data []byte) (*Scenario, error) {
	ctx := cuecontext.New()
	value := ctx.CompileBytes(data, cue.Filename(filename))
	if err := value.Err(); err != nil {
		return nil, fmt.Errorf("failed to compile CUE: %w", err)
	}
	if err := value.Validate(cue.Concrete(true)); err != nil {
		return nil, fmt.Errorf("CUE scenario is not concrete: %w", err)
	}

	var scenario Scenario
	if err := value.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to decode CUE: %w", err)
	}
	return &scenario, nil
}

// FindScenarios expands paths into scenario files. Directories are walked
// recursively for .yaml, .yml and .cue files. The result is sorted and free
// of duplicates.
func FindScenarios(paths []string) ([]string, error) {
	var files []string
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return nil, fmt.Errorf("scenario path: %w", err)
		}
		if !info.IsDir() {
			files = append(files, p)
			continue
		}
		err = filepath.WalkDir(p, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if !d.IsDir() && isScenarioFile(path) {
				files = append(files, path)
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", p, err)
		}
	}
	slices.Sort(files)
	return slices.Compact(files), nil
}

func isScenarioFile(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml", ".cue":
		return true
	}
	return false
}

// validateScenario checks that required fields are present and that every
// reference resolves.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Workers) == 0 {
		return fmt.Errorf("workers list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}
	if _, err := s.Policy.Build(); err != nil {
		return fmt.Errorf("policy: %w", err)
	}
	for field, d := range map[string]string{"retry_timeout": s.RetryTimeout, "timeout": s.Timeout} {
		if d == "" {
			continue
		}
		if v, err := time.ParseDuration(d); err != nil || v <= 0 {
			return fmt.Errorf("%s: %q is not a positive duration", field, d)
		}
	}

	results := make(map[string]bool, len(s.Results))
	for _, r := range s.Results {
		if r == "" || results[r] {
			return fmt.Errorf("results: empty or duplicate name %q", r)
		}
		results[r] = true
	}

	names := make(map[string]bool, len(s.Workers))
	for i, w := range s.Workers {
		if w.Name == "" {
			return fmt.Errorf("workers[%d]: name is required", i)
		}
		if names[w.Name] {
			return fmt.Errorf("workers[%d]: duplicate name %q", i, w.Name)
		}
		names[w.Name] = true
		if w.Iterations < 0 {
			return fmt.Errorf("worker %s: iterations must not be negative", w.Name)
		}
		if w.Amount < 0 {
			return fmt.Errorf("worker %s: amount must not be negative", w.Name)
		}
		if err := validateWorker(s, w, results); err != nil {
			return fmt.Errorf("worker %s: %w", w.Name, err)
		}
	}

	for i, a := range s.Assertions {
		if err := validateAssertion(s, a); err != nil {
			return fmt.Errorf("assertions[%d]: %w", i, err)
		}
	}
	return nil
}

func validateWorker(s *Scenario, w Worker, results map[string]bool) error {
	needVar := func(name, field string) error {
		if name == "" {
			return fmt.Errorf("%s is required for op %s", field, w.Op)
		}
		if _, ok := s.Vars[name]; !ok {
			return fmt.Errorf("%s: unknown var %q", field, name)
		}
		return nil
	}
	needChannel := func() error {
		if _, ok := s.Channels[w.Channel]; !ok {
			return fmt.Errorf("channel: unknown channel %q", w.Channel)
		}
		return nil
	}
	needResult := func() error {
		if !results[w.Result] {
			return fmt.Errorf("result: unknown result %q", w.Result)
		}
		return nil
	}

	switch w.Op {
	case OpIncrement, OpWait:
		return needVar(w.Var, "var")
	case OpTransfer:
		if err := needVar(w.From, "from"); err != nil {
			return err
		}
		if err := needVar(w.To, "to"); err != nil {
			return err
		}
		if w.From == w.To {
			return fmt.Errorf("from and to must differ")
		}
		return nil
	case OpPush, OpClose:
		return needChannel()
	case OpPop, OpDrain:
		if err := needChannel(); err != nil {
			return err
		}
		return needVar(w.Var, "var")
	case OpTake:
		if len(w.Vars) == 0 {
			return fmt.Errorf("vars is required for op take")
		}
		for _, v := range w.Vars {
			if err := needVar(v, "vars"); err != nil {
				return err
			}
		}
		if w.Var != "" {
			return needVar(w.Var, "var")
		}
		return nil
	case OpResolve, OpAwait:
		if err := needResult(); err != nil {
			return err
		}
		if w.Iterations > 1 {
			return fmt.Errorf("op %s runs once", w.Op)
		}
		return needVar(w.Var, "var")
	case "":
		return fmt.Errorf("op is required")
	}
	return fmt.Errorf("unknown op %q", w.Op)
}

func validateAssertion(s *Scenario, a Assertion) error {
	checkVar := func(name string) error {
		if _, ok := s.Vars[name]; !ok {
			return fmt.Errorf("unknown var %q", name)
		}
		return nil
	}

	switch a.Type {
	case AssertEquals, AssertMinObserved:
		return checkVar(a.Var)
	case AssertSum:
		if len(a.Vars) == 0 {
			return fmt.Errorf("sum requires vars")
		}
		for _, v := range a.Vars {
			if err := checkVar(v); err != nil {
				return err
			}
		}
		return nil
	case AssertChannelLen:
		if _, ok := s.Channels[a.Channel]; !ok {
			return fmt.Errorf("unknown channel %q", a.Channel)
		}
		return nil
	}
	return fmt.Errorf("unknown assertion type %q", a.Type)
}

func (s *Scenario) retryTimeout() time.Duration {
	if d, err := time.ParseDuration(s.RetryTimeout); err == nil && d > 0 {
		return d
	}
	return DefaultRetryTimeout
}

func (s *Scenario) timeout() time.Duration {
	if d, err := time.ParseDuration(s.Timeout); err == nil && d > 0 {
		return d
	}
	return DefaultTimeout
}
