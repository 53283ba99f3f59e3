// Package collect models the collection jobs and cooperatives exchanged with
// the backend. Payloads from the backend are loosely shaped, so every entity
// decodes through explicit, ordered fallback rules instead of dynamic
// access.
package collect

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kingrea/coleta/internal/geo"
)

// Address is the postal address shared by producers and cooperatives.
type Address struct {
	PostalCode string `json:"postal_code,omitempty"`
	Street     string `json:"street,omitempty"`
	Number     string `json:"number,omitempty"`
	District   string `json:"district,omitempty"`
	City       string `json:"city,omitempty"`
	State      string `json:"state,omitempty"`
}

// Empty reports whether no field is set.
func (a Address) Empty() bool {
	return len(a.Parts()) == 0
}

// Parts returns the non-empty fields in free-text order.
func (a Address) Parts() []string {
	street := strings.TrimSpace(strings.Join(nonEmpty(a.Street, a.Number), ", "))
	return nonEmpty(street, a.District, a.City, a.State, a.PostalCode)
}

func (a Address) String() string {
	return strings.Join(a.Parts(), ", ")
}

func decodeAddress(f fields) Address {
	if nested, ok := f.object("address", "endereco"); ok {
		return decodeAddress(nested)
	}
	return Address{
		PostalCode: f.str("cep", "postal_code", "postalcode", "zip"),
		Street:     f.str("rua", "street", "logradouro"),
		Number:     f.str("numero", "number"),
		District:   f.str("bairro", "district", "neighborhood"),
		City:       f.str("cidade", "city"),
		State:      f.str("estado", "state", "uf"),
	}
}

// Producer is the party that requested the pickup.
type Producer struct {
	ID          int64      `json:"id,omitempty"`
	Name        string     `json:"name"`
	Address     Address    `json:"address"`
	Coordinates *geo.Point `json:"coordinates,omitempty"`
}

// Item is one material entry of a job.
type Item struct {
	Category string  `json:"category"`
	Quantity float64 `json:"quantity"`
	Unit     string  `json:"unit,omitempty"`
}

// Job is a single collection request.
type Job struct {
	ID            int64    `json:"id"`
	Producer      Producer `json:"producer"`
	Items         []Item   `json:"items,omitempty"`
	ItemCount     int      `json:"item_count"`
	Status        Status   `json:"status"`
	CollectorID   *int64   `json:"collector_id,omitempty"`
	CooperativeID *int64   `json:"cooperative_id,omitempty"`
	Notes         string   `json:"notes,omitempty"`
	// RawStatus is the status name as the backend sent it.
	RawStatus     string   `json:"-"`
}

// Label is a short human readable identifier.
func (j Job) Label() string {
	if j.Producer.Name == "" {
		return fmt.Sprintf("#%d", j.ID)
	}
	return fmt.Sprintf("#%d %s", j.ID, j.Producer.Name)
}

// UnmarshalJSON applies the job fallback rules.
func (j *Job) UnmarshalJSON(data []byte) error {
	f, err := decodeFields(data)
	if err != nil {
		return fmt.Errorf("collect: decode job: %w", err)
	}
	id, ok := f.id("id", "pk")
	if !ok {
		return fmt.Errorf("collect: job payload has no id")
	}
	job := Job{ID: id, Notes: f.str("observacoes", "notes")}
	job.Producer = decodeProducer(f)
	if raw, ok := f.array("itens", "items"); ok {
		for _, entry := range raw {
			item, err := decodeItem(entry)
			if err != nil {
				return fmt.Errorf("collect: job %d: %w", id, err)
			}
			job.Items = append(job.Items, item)
		}
	}
	job.ItemCount = len(job.Items)
	if job.ItemCount == 0 {
		if n, ok := f.num("item_count", "total_itens", "quantidade_itens"); ok {
			job.ItemCount = int(n)
		}
	}
	if raw, ok := f.raw("status"); ok {
		if err := json.Unmarshal(raw, &job.Status); err != nil {
			return fmt.Errorf("collect: job %d: %w", id, err)
		}
		_ = json.Unmarshal(raw, &job.RawStatus)
	} else {
		job.Status = StatusRequested
	}
	if collector, ok := f.id("coletor", "coletor_id", "collector_id", "collector"); ok {
		job.CollectorID = &collector
	}
	if coop, ok := f.id("cooperativa", "cooperativa_id", "cooperative_id", "cooperative"); ok {
		job.CooperativeID = &coop
	}
	*j = job
	return nil
}

// decodeProducer reads a nested producer object when present and otherwise
// the flattened producer_* fields of the job itself.
func decodeProducer(job fields) Producer {
	if obj, ok := job.object("produtor", "producer"); ok {
		p := Producer{
			Name:        obj.str("nome", "name"),
			Address:     decodeAddress(obj),
			Coordinates: obj.point(),
		}
		p.ID, _ = obj.id("id", "pk")
		return p
	}
	p := Producer{
		Name: job.str("produtor_nome", "nome_produtor", "producer_name"),
	}
	p.ID, _ = job.id("produtor", "produtor_id", "producer_id")
	if addr, ok := job.object("produtor_endereco", "producer_address"); ok {
		p.Address = decodeAddress(addr)
	} else {
		p.Address = decodeAddress(job)
	}
	p.Coordinates = job.point()
	return p
}

func decodeItem(data json.RawMessage) (Item, error) {
	f, err := decodeFields(data)
	if err != nil {
		return Item{}, fmt.Errorf("decode item: %w", err)
	}
	item := Item{
		Category: f.str("categoria", "category", "material", "nome_residuo"),
		Unit:     f.str("unidade", "unit"),
	}
	item.Quantity, _ = f.num("quantidade", "quantity")
	return item, nil
}

// Interest is a material a cooperative accepts.
type Interest struct {
	Category  string `json:"category"`
	Price     string `json:"price,omitempty"`
	OnInquiry bool   `json:"on_inquiry,omitempty"`
}

// Cooperative is a destination for collected material.
type Cooperative struct {
	ID          int64      `json:"id"`
	Name        string     `json:"name"`
	Address     Address    `json:"address"`
	Coordinates *geo.Point `json:"coordinates,omitempty"`
	Interests   []Interest `json:"interests,omitempty"`
}

// Accepts reports whether the cooperative lists the category.
func (c Cooperative) Accepts(category string) bool {
	for _, interest := range c.Interests {
		if strings.EqualFold(interest.Category, category) {
			return true
		}
	}
	return false
}

// UnmarshalJSON applies the cooperative fallback rules.
func (c *Cooperative) UnmarshalJSON(data []byte) error {
	f, err := decodeFields(data)
	if err != nil {
		return fmt.Errorf("collect: decode cooperative: %w", err)
	}
	id, ok := f.id("id", "pk")
	if !ok {
		return fmt.Errorf("collect: cooperative payload has no id")
	}
	coop := Cooperative{
		ID:          id,
		Name:        f.str("nome_empresa", "nome", "name"),
		Address:     decodeAddress(f),
		Coordinates: f.point(),
	}
	if raw, ok := f.array("interesses", "interests", "materiais"); ok {
		for _, entry := range raw {
			obj, err := decodeFields(entry)
			if err != nil {
				return fmt.Errorf("collect: cooperative %d: decode interest: %w", id, err)
			}
			coop.Interests = append(coop.Interests, decodeInterest(obj))
		}
	}
	*c = coop
	return nil
}

func decodeInterest(f fields) Interest {
	interest := Interest{
		Category: f.str("categoria", "category", "material"),
		Price:    f.str("preco", "price"),
	}
	if inquiry, ok := f.raw("on_inquiry"); ok {
		_ = json.Unmarshal(inquiry, &interest.OnInquiry)
	}
	if interest.Price == "" || strings.EqualFold(interest.Price, "sob consulta") {
		interest.OnInquiry = true
	}
	return interest
}

func nonEmpty(values ...string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if trimmed := strings.TrimSpace(v); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
