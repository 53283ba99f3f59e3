package collect

import (
	"encoding/json"
	"testing"

	"github.com/kingrea/coleta/internal/geo"
)

func TestJobDecodesBackendPayload(t *testing.T) {
	payload := `{
		"id": 12,
		"status": "SOLICITADA",
		"coletor": null,
		"observacoes": "portão azul",
		"produtor": {
			"id": 4,
			"nome": "Maria",
			"cep": "64000-000",
			"rua": "Rua das Flores",
			"numero": "100",
			"cidade": "Teresina",
			"estado": "PI",
			"geom": {"type": "Point", "coordinates": [20, 10]}
		},
		"itens": [
			{"id_item": 1, "nome_residuo": "PLASTICO", "quantidade": "2.50"},
			{"id_item": 2, "categoria": "PAPEL", "quantidade": 3, "unidade": "fardos"}
		]
	}`
	var job Job
	if err := json.Unmarshal([]byte(payload), &job); err != nil {
		t.Fatalf("decode job: %v", err)
	}
	if job.ID != 12 || job.Status != StatusRequested {
		t.Fatalf("unexpected job header: %+v", job)
	}
	if job.CollectorID != nil {
		t.Fatalf("null collector must stay unset")
	}
	if job.Producer.Name != "Maria" || job.Producer.ID != 4 {
		t.Fatalf("unexpected producer: %+v", job.Producer)
	}
	if job.Producer.Coordinates == nil || *job.Producer.Coordinates != (geo.Point{Lat: 10, Lon: 20}) {
		t.Fatalf("expected producer at (10,20), got %+v", job.Producer.Coordinates)
	}
	if job.Producer.Address.Street != "Rua das Flores" || job.Producer.Address.PostalCode != "64000-000" {
		t.Fatalf("unexpected address: %+v", job.Producer.Address)
	}
	if job.ItemCount != 2 || job.Items[0].Category != "PLASTICO" || job.Items[0].Quantity != 2.5 {
		t.Fatalf("unexpected items: %+v", job.Items)
	}
	if job.Items[1].Unit != "fardos" {
		t.Fatalf("expected unit fallback, got %+v", job.Items[1])
	}
}

func TestJobCoordinateFallbackOrder(t *testing.T) {
	cases := []struct {
		name    string
		payload string
		want    *geo.Point
	}{
		{"ewkt", `{"id":1,"produtor":{"geom":"SRID=4326;POINT (-42.8 -5.09)"}}`, &geo.Point{Lat: -5.09, Lon: -42.8}},
		{"latitude longitude strings", `{"id":1,"produtor":{"latitude":"1.5","longitude":"2,5"}}`, &geo.Point{Lat: 1.5, Lon: 2.5}},
		{"lat lng", `{"id":1,"produtor":{"lat":3,"lng":4}}`, &geo.Point{Lat: 3, Lon: 4}},
		{"lat lon", `{"id":1,"produtor":{"lat":5,"lon":6}}`, &geo.Point{Lat: 5, Lon: 6}},
		{"geom wins over pairs", `{"id":1,"produtor":{"geom":{"type":"Point","coordinates":[8,7]},"lat":1,"lon":1}}`, &geo.Point{Lat: 7, Lon: 8}},
		{"half pair is absent", `{"id":1,"produtor":{"lat":5}}`, nil},
		{"flattened producer", `{"id":1,"produtor":9,"produtor_nome":"João","latitude":1,"longitude":2}`, &geo.Point{Lat: 1, Lon: 2}},
	}
	for _, tc := range cases {
		var job Job
		if err := json.Unmarshal([]byte(tc.payload), &job); err != nil {
			t.Fatalf("%s: decode: %v", tc.name, err)
		}
		got := job.Producer.Coordinates
		if (got == nil) != (tc.want == nil) || (got != nil && *got != *tc.want) {
			t.Fatalf("%s: expected %+v, got %+v", tc.name, tc.want, got)
		}
	}
}

func TestJobItemCountFallback(t *testing.T) {
	var job Job
	if err := json.Unmarshal([]byte(`{"pk":"7","total_itens":4,"status":"aguardando"}`), &job); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if job.ID != 7 || job.ItemCount != 4 || job.Status != StatusAwaiting {
		t.Fatalf("unexpected job: %+v", job)
	}
}

func TestJobRoundTripsOwnEncoding(t *testing.T) {
	collector := int64(3)
	original := Job{
		ID:          5,
		Producer:    Producer{Name: "Ana", Address: Address{City: "Teresina"}, Coordinates: &geo.Point{Lat: 1, Lon: 2}},
		Items:       []Item{{Category: "VIDRO", Quantity: 4, Unit: "kg"}},
		ItemCount:   1,
		Status:      StatusConfirmed,
		CollectorID: &collector,
	}
	data, err := json.Marshal(original)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	var decoded Job
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.Status != StatusConfirmed || decoded.Producer.Address.City != "Teresina" {
		t.Fatalf("unexpected decoded job: %+v", decoded)
	}
	if decoded.CollectorID == nil || *decoded.CollectorID != 3 {
		t.Fatalf("collector id lost: %+v", decoded.CollectorID)
	}
	if decoded.Producer.Coordinates == nil || *decoded.Producer.Coordinates != (geo.Point{Lat: 1, Lon: 2}) {
		t.Fatalf("coordinates lost: %+v", decoded.Producer.Coordinates)
	}
}

func TestJobKeepsUnknownStatus(t *testing.T) {
	var job Job
	if err := json.Unmarshal([]byte(`{"id":1,"status":"Lost "}`), &job); err != nil {
		t.Fatalf("unknown status should not fail decoding: %v", err)
	}
	if job.Status.Valid() || job.Status != "Lost" || job.RawStatus != "Lost " {
		t.Fatalf("unknown status not kept: %+v", job)
	}
	if err := json.Unmarshal([]byte(`{"id":1,"status":7}`), &job); err == nil {
		t.Fatalf("expected error for non-string status")
	}
	if err := json.Unmarshal([]byte(`{"status":"ACEITA"}`), &job); err == nil {
		t.Fatalf("expected error for missing id")
	}
}

func TestJobListDecodesEveryBackendStatus(t *testing.T) {
	payload := `[
		{"id":1,"status":"SOLICITADA"},
		{"id":2,"status":"ACEITA"},
		{"id":3,"status":"CANCELADA"},
		{"id":4,"status":"CONFIRMADA"},
		{"id":5,"status":"COLETADO"},
		{"id":6,"status":"EM ROTA"},
		{"id":7,"status":"AGUARDANDO COLETOR"},
		{"id":8,"status":"ARQUIVADA"}
	]`
	want := []Status{
		StatusRequested,
		StatusAccepted,
		StatusCancelled,
		StatusConfirmed,
		StatusConcluded,
		StatusAwaiting,
		StatusRequested,
		Status("ARQUIVADA"),
	}
	var jobs []Job
	if err := json.Unmarshal([]byte(payload), &jobs); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(jobs) != len(want) {
		t.Fatalf("decoded %d jobs, want %d", len(jobs), len(want))
	}
	for i, job := range jobs {
		if job.Status != want[i] {
			t.Fatalf("job %d: status %q, want %q", job.ID, job.Status, want[i])
		}
	}
}

func TestCooperativeDecodesInterests(t *testing.T) {
	payload := `{
		"id": 2,
		"nome_empresa": "Recicla Bem",
		"cep": "64001-000",
		"rua": "Av. Frei Serafim",
		"cidade": "Teresina",
		"estado": "PI",
		"geom": null,
		"interesses": [
			{"categoria": "Plástico", "preco": "R$ 2,50/kg"},
			{"categoria": "Metal", "preco": "Sob consulta"}
		]
	}`
	var coop Cooperative
	if err := json.Unmarshal([]byte(payload), &coop); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if coop.Name != "Recicla Bem" || coop.Coordinates != nil {
		t.Fatalf("unexpected cooperative: %+v", coop)
	}
	if len(coop.Interests) != 2 || coop.Interests[0].OnInquiry || !coop.Interests[1].OnInquiry {
		t.Fatalf("unexpected interests: %+v", coop.Interests)
	}
	if !coop.Accepts("metal") || coop.Accepts("vidro") {
		t.Fatalf("Accepts mismatch")
	}
	if got := coop.Address.String(); got != "Av. Frei Serafim, Teresina, PI, 64001-000" {
		t.Fatalf("unexpected address string %q", got)
	}
}

func TestStatusWireNames(t *testing.T) {
	backendChoices := map[string]bool{
		"SOLICITADA": true, "ACEITA": true, "CANCELADA": true, "CONFIRMADA": true,
		"COLETADO": true, "EM ROTA": true, "AGUARDANDO COLETOR": true,
	}
	for status, wire := range wireNames {
		if !backendChoices[wire] {
			t.Fatalf("%s encodes to %q, which the backend does not accept", status, wire)
		}
		parsed, err := ParseStatus(wire)
		if err != nil || parsed != status {
			t.Fatalf("wire name %q should parse to %s, got %s (%v)", wire, status, parsed, err)
		}
		if status.Wire() != wire {
			t.Fatalf("expected wire %q for %s", wire, status)
		}
	}
	if !StatusConcluded.Terminal() || StatusAwaiting.Terminal() {
		t.Fatalf("terminal mismatch")
	}
}

func TestStatusNamesOverrides(t *testing.T) {
	names, err := ParseStatusNames(map[string]string{"awaiting": "AGUARDANDO COOPERATIVA", "CONCLUIDA": "RECEBIDA"})
	if err != nil {
		t.Fatalf("ParseStatusNames: %v", err)
	}
	if got := names.Encode(StatusAwaiting); got != "AGUARDANDO COOPERATIVA" {
		t.Fatalf("awaiting encodes to %q", got)
	}
	if got := names.Encode(StatusConfirmed); got != "CONFIRMADA" {
		t.Fatalf("defaults lost: confirmed encodes to %q", got)
	}
	if status, ok := names.Decode("recebida"); !ok || status != StatusConcluded {
		t.Fatalf("custom name decodes to %q (%v)", status, ok)
	}
	if status, ok := names.Decode("EM ROTA"); !ok || status != StatusAwaiting {
		t.Fatalf("built-in alias decodes to %q (%v)", status, ok)
	}
	if _, ok := names.Decode("ARQUIVADA"); ok {
		t.Fatalf("unknown name should not decode")
	}
	if _, err := ParseStatusNames(map[string]string{"LOST": "X"}); err == nil {
		t.Fatalf("expected error for unknown status key")
	}
	if DefaultStatusNames()[StatusAwaiting] != "EM ROTA" {
		t.Fatalf("ParseStatusNames changed the defaults")
	}
}
