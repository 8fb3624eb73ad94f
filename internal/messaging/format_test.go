package messaging

import "testing"

func TestFormatForWhatsApp(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "plain text untouched",
			in:   "¡Hola! ¿Cómo estás?",
			want: "¡Hola! ¿Cómo estás?",
		},
		{
			name: "double-asterisk bold becomes single",
			in:   "That's **great** progress!",
			want: "That's *great* progress!",
		},
		{
			name: "heading becomes bold line",
			in:   "## Today's words\nhola - hello",
			want: "*Today's words*\nhola - hello",
		},
		{
			name: "dash bullets become dots",
			in:   "- hola\n- adiós",
			want: "• hola\n• adiós",
		},
		{
			name: "single asterisks survive",
			in:   "use *this* emphasis",
			want: "use *this* emphasis",
		},
		{
			name: "surrounding whitespace trimmed",
			in:   "\n  hola  \n",
			want: "hola",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := FormatForWhatsApp(tt.in); got != tt.want {
				t.Errorf("FormatForWhatsApp(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}
