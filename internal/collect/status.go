package collect

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Status is the backend-authoritative life cycle state of a collection job.
// A status the vocabulary does not know is kept verbatim and reports
// Valid() == false.
type Status string

const (
	StatusRequested Status = "REQUESTED"
	StatusAccepted  Status = "ACCEPTED"
	StatusConfirmed Status = "CONFIRMED"
	StatusAwaiting  Status = "AWAITING"
	StatusConcluded Status = "CONCLUDED"
	StatusCancelled Status = "CANCELLED"
)

var canonical = []Status{
	StatusRequested,
	StatusAccepted,
	StatusConfirmed,
	StatusAwaiting,
	StatusConcluded,
	StatusCancelled,
}

// wireNames maps canonical statuses to the backend's STATUS_CHOICES. The
// backend has no "delivered, awaiting the cooperative" value; EM ROTA (the
// materials are still with the collector) is the closest it accepts.
var wireNames = StatusNames{
	StatusRequested: "SOLICITADA",
	StatusAccepted:  "ACEITA",
	StatusConfirmed: "CONFIRMADA",
	StatusAwaiting:  "EM ROTA",
	StatusConcluded: "COLETADO",
	StatusCancelled: "CANCELADA",
}

var statusAliases = map[string]Status{
	"REQUESTED":              StatusRequested,
	"SOLICITADA":             StatusRequested,
	"AGUARDANDO COLETOR":     StatusRequested,
	"ACCEPTED":               StatusAccepted,
	"ACEITA":                 StatusAccepted,
	"CONFIRMED":              StatusConfirmed,
	"CONFIRMADA":             StatusConfirmed,
	"AWAITING":               StatusAwaiting,
	"EM ROTA":                StatusAwaiting,
	"AGUARDANDO":             StatusAwaiting,
	"AGUARDANDO COOPERATIVA": StatusAwaiting,
	"CONCLUDED":              StatusConcluded,
	"COLETADO":               StatusConcluded,
	"CONCLUIDA":              StatusConcluded,
	"CONCLUÍDA":              StatusConcluded,
	"CANCELLED":              StatusCancelled,
	"CANCELED":               StatusCancelled,
	"CANCELADA":              StatusCancelled,
}

func statusKey(value string) string {
	key := strings.ToUpper(strings.Join(strings.Fields(value), " "))
	return strings.ReplaceAll(key, "_", " ")
}

// ParseStatus accepts canonical names and the backend's aliases.
func ParseStatus(value string) (Status, error) {
	if status, ok := statusAliases[statusKey(value)]; ok {
		return status, nil
	}
	return "", fmt.Errorf("collect: unknown status %q", value)
}

// Wire returns the name the default vocabulary sends to the backend.
func (s Status) Wire() string {
	return wireNames.Encode(s)
}

// Terminal reports whether the status ends the collector's involvement.
func (s Status) Terminal() bool {
	return s == StatusConcluded
}

// Valid reports whether s is one of the canonical statuses.
func (s Status) Valid() bool {
	_, ok := wireNames[s]
	return ok
}

// UnmarshalJSON accepts any known alias. Unknown names are kept as they came.
func (s *Status) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("collect: status must be a string: %w", err)
	}
	parsed, err := ParseStatus(raw)
	if err != nil {
		*s = Status(strings.TrimSpace(raw))
		return nil
	}
	*s = parsed
	return nil
}

// StatusNames is a canonical status to backend name vocabulary.
type StatusNames map[Status]string

// DefaultStatusNames returns a copy of the built-in vocabulary.
func DefaultStatusNames() StatusNames {
	names := make(StatusNames, len(wireNames))
	for status, name := range wireNames {
		names[status] = name
	}
	return names
}

// ParseStatusNames builds a vocabulary from the defaults with overrides keyed
// by canonical or backend status names.
func ParseStatusNames(overrides map[string]string) (StatusNames, error) {
	names := DefaultStatusNames()
	for key, name := range overrides {
		status, err := ParseStatus(key)
		if err != nil {
			return nil, err
		}
		name = strings.TrimSpace(name)
		if name == "" {
			return nil, fmt.Errorf("collect: empty backend name for status %s", status)
		}
		names[status] = name
	}
	return names, nil
}

// Encode returns the backend name of s, or s itself when it has none.
func (n StatusNames) Encode(s Status) string {
	if name, ok := n[s]; ok {
		return name
	}
	return string(s)
}

// Decode resolves a backend name through the vocabulary first and the
// built-in aliases second.
func (n StatusNames) Decode(value string) (Status, bool) {
	key := statusKey(value)
	for _, status := range canonical {
		if name, ok := n[status]; ok && statusKey(name) == key {
			return status, true
		}
	}
	status, err := ParseStatus(value)
	return status, err == nil
}
