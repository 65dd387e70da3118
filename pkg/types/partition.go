package types

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// MinuteLayout renders timestamp_minute partition values.
const MinuteLayout = "2006-01-02T15:04"

// EmptyPartitionKey is the canonical key of an unpartitioned table.
const EmptyPartitionKey = "_"

// PartitionValue binds one partition field to its value.
type PartitionValue struct {
	Field string            `json:"field"`
	Type  PartitionDataType `json:"type"`
	Value Value             `json:"value"`
}

// Partition is an ordered tuple of partition values, one per partition
// field of the owning table.
type Partition struct {
	Values []PartitionValue `json:"values"`
}

// NewPartition builds a partition from values in field order.
func NewPartition(values ...PartitionValue) Partition {
	return Partition{Values: values}
}

// StringPart, Int64Part, BoolPart and MinutePart are shorthands for building
// partition values.
func StringPart(field, v string) PartitionValue {
	return PartitionValue{Field: field, Type: PartitionString, Value: StringValue(v)}
}

func Int64Part(field string, v int64) PartitionValue {
	return PartitionValue{Field: field, Type: PartitionInt64, Value: Int64Value(v)}
}

func BoolPart(field string, v bool) PartitionValue {
	return PartitionValue{Field: field, Type: PartitionBool, Value: BoolValue(v)}
}

func MinutePart(field string, t time.Time) PartitionValue {
	return PartitionValue{Field: field, Type: PartitionTimestampMinute, Value: TimeValue(t.UTC().Truncate(time.Minute))}
}

// Get returns the value bound to field.
func (p Partition) Get(field string) (Value, bool) {
	for _, pv := range p.Values {
		if pv.Field == field {
			return pv.Value, true
		}
	}
	return Value{}, false
}

// Key renders the canonical form field=value/field=value, or "_" for the
// empty tuple.
func (p Partition) Key() string {
	if len(p.Values) == 0 {
		return EmptyPartitionKey
	}
	var sb strings.Builder
	for i, pv := range p.Values {
		if i > 0 {
			sb.WriteByte('/')
		}
		sb.WriteString(pv.Field)
		sb.WriteByte('=')
		sb.WriteString(pv.render())
	}
	return sb.String()
}

func (p Partition) String() string { return p.Key() }

// Equal reports whether both partitions have the same canonical key.
func (p Partition) Equal(o Partition) bool { return p.Key() == o.Key() }

func (pv PartitionValue) render() string {
	switch pv.Type {
	case PartitionString:
		return pv.Value.Str()
	case PartitionInt64:
		return strconv.FormatInt(pv.Value.Int64(), 10)
	case PartitionBool:
		return strconv.FormatBool(pv.Value.Bool())
	case PartitionTimestampMinute:
		return pv.Value.Time().Format(MinuteLayout)
	}
	return pv.Value.String()
}

// ValidatePartitionString checks a string partition value. Allowed are
// ASCII letters, digits and the characters -_!*().
func ValidatePartitionString(s string) error {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if isNameChar(c) {
			continue
		}
		switch c {
		case '-', '!', '*', '(', ')':
			continue
		}
		return fmt.Errorf("partition string %q must contain only alphanumeric characters and -_!*()", s)
	}
	return nil
}

// ParsePartitionKey is the inverse of Partition.Key for the given fields.
func ParsePartitionKey(fields []PartitionField, key string) (Partition, error) {
	if len(fields) == 0 {
		if key != EmptyPartitionKey && key != "" {
			return Partition{}, fmt.Errorf("unpartitioned table has no partition %q", key)
		}
		return Partition{}, nil
	}
	parts := strings.Split(key, "/")
	if len(parts) != len(fields) {
		return Partition{}, fmt.Errorf("partition %q: expected %d fields, got %d", key, len(fields), len(parts))
	}
	p := Partition{Values: make([]PartitionValue, len(fields))}
	for i, f := range fields {
		name, raw, ok := strings.Cut(parts[i], "=")
		if !ok || name != f.Name {
			return Partition{}, fmt.Errorf("partition %q: expected field %q at position %d", key, f.Name, i)
		}
		pv := PartitionValue{Field: f.Name, Type: f.Type}
		switch f.Type {
		case PartitionString:
			if err := ValidatePartitionString(raw); err != nil {
				return Partition{}, err
			}
			pv.Value = StringValue(raw)
		case PartitionInt64:
			n, err := strconv.ParseInt(raw, 10, 64)
			if err != nil {
				return Partition{}, fmt.Errorf("partition %q: field %q: %w", key, f.Name, err)
			}
			pv.Value = Int64Value(n)
		case PartitionBool:
			b, err := strconv.ParseBool(raw)
			if err != nil {
				return Partition{}, fmt.Errorf("partition %q: field %q: %w", key, f.Name, err)
			}
			pv.Value = BoolValue(b)
		case PartitionTimestampMinute:
			t, err := time.Parse(MinuteLayout, raw)
			if err != nil {
				return Partition{}, fmt.Errorf("partition %q: field %q: %w", key, f.Name, err)
			}
			pv.Value = TimeValue(t)
		default:
			return Partition{}, fmt.Errorf("partition %q: field %q has unknown type %q", key, f.Name, f.Type)
		}
		p.Values[i] = pv
	}
	return p, nil
}
