package tracking

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDetermineTrackingNumber(t *testing.T) {
	tests := []struct {
		name   string
		fields ShipmentFields
		want   string
	}{
		{
			name: "numeric_status_on_last_pack",
			fields: ShipmentFields{
				PackNumbers:      "0, 1042, 1043",
				TrackingStatuses: ", 900110, 900111",
			},
			want: "900111",
		},
		{
			name: "not_processed_suffix",
			fields: ShipmentFields{
				PackNumbers:      "1042",
				TrackingStatuses: "1042NP",
			},
			want: NotAvailable,
		},
		{
			name: "not_processed_lowercase",
			fields: ShipmentFields{
				PackNumbers:      "1042",
				TrackingStatuses: "1042np",
			},
			want: NotAvailable,
		},
		{
			name: "zero_pack_with_bin_uses_highest_ups_order",
			fields: ShipmentFields{
				PackNumbers:     "1042, 0",
				Bins:            "A4, B7",
				UPSOrderNumbers: "900110, 900200, 900105",
			},
			want: "900200",
		},
		{
			name: "zero_pack_highest_by_value_not_lexical",
			fields: ShipmentFields{
				PackNumbers:     "0",
				UPSOrderNumbers: "99, 100",
			},
			want: "100",
		},
		{
			name: "zero_pack_no_bin",
			fields: ShipmentFields{
				PackNumbers:     "1042, 0",
				Bins:            "A4, NoBin",
				UPSOrderNumbers: "900110",
			},
			want: NotAvailable,
		},
		{
			name: "zero_pack_skips_non_numeric_orders",
			fields: ShipmentFields{
				PackNumbers:     "0",
				UPSOrderNumbers: "N/A, 900110",
			},
			want: "900110",
		},
		{
			name: "non_numeric_status_without_np",
			fields: ShipmentFields{
				PackNumbers:      "1042",
				TrackingStatuses: "PENDING",
			},
			want: NotAvailable,
		},
		{
			name:   "empty_fields",
			fields: ShipmentFields{},
			want:   NotAvailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DetermineTrackingNumber(tt.fields))
		})
	}
}

func TestExtractLatestParts(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  []string
	}{
		{
			name:  "single_group",
			input: "(BELT || MOTOR)",
			want:  []string{"BELT", "MOTOR"},
		},
		{
			name:  "last_group_wins",
			input: "(BELT || MOTOR) (SENSOR)",
			want:  []string{"SENSOR"},
		},
		{
			name:  "nested_parens_in_description",
			input: "(BELT (38mm) || MOTOR (24V))",
			want:  []string{"BELT (38mm)", "MOTOR (24V)"},
		},
		{
			name:  "blank_items_dropped",
			input: "(BELT ||  || MOTOR)",
			want:  []string{"BELT", "MOTOR"},
		},
		{
			name:  "no_groups",
			input: "BELT || MOTOR",
			want:  nil,
		},
		{
			name:  "empty",
			input: "",
			want:  nil,
		},
		{
			name:  "unbalanced_open_paren",
			input: "(BELT || MOTOR",
			want:  nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExtractLatestParts(tt.input))
		})
	}
}
