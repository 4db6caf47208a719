package task

// Options is a field-wise chained map: a set of defaults shadowed by
// whatever the submission supplied, with null-valued overrides filtered
// out rather than applied (spec.md §4.1, §9 "Dynamic option chaining").
type Options struct {
	values map[string]interface{}
}

func defaultOptionValues() map[string]interface{} {
	return map[string]interface{}{
		"allow-zero-length":     true,
		"retries":               0,
		"accepted-return-codes": []int{0},
	}
}

// DefaultOptions returns the zero-value option set every task starts from.
func DefaultOptions() Options {
	return Options{values: defaultOptionValues()}
}

// WithOverrides returns a new Options with overrides shadowing the
// receiver's values. A null override deletes the key instead of setting it.
func (o Options) WithOverrides(overrides map[string]interface{}) Options {
	merged := make(map[string]interface{}, len(o.values)+len(overrides))
	for k, v := range o.values {
		merged[k] = v
	}
	for k, v := range overrides {
		if v == nil {
			delete(merged, k)
			continue
		}
		merged[k] = v
	}
	return Options{values: merged}
}

func (o Options) AllowZeroLength() bool {
	v, ok := o.values["allow-zero-length"]
	if !ok {
		return true
	}
	b, ok := v.(bool)
	if !ok {
		return true
	}
	return b
}

func (o Options) Retries() int {
	v, ok := o.values["retries"]
	if !ok {
		return 0
	}
	return toInt(v)
}

func (o Options) AcceptedReturnCodes() []int {
	v, ok := o.values["accepted-return-codes"]
	if !ok {
		return []int{0}
	}
	switch codes := v.(type) {
	case []int:
		return codes
	case []interface{}:
		out := make([]int, 0, len(codes))
		for _, c := range codes {
			out = append(out, toInt(c))
		}
		return out
	default:
		return []int{0}
	}
}

func (o Options) Accepts(returned int) bool {
	for _, c := range o.AcceptedReturnCodes() {
		if c == returned {
			return true
		}
	}
	return false
}

// Raw returns the merged map, for state projection and canonical encoding.
func (o Options) Raw() map[string]interface{} {
	return o.values
}

func toInt(v interface{}) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}
