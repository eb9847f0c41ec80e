package markup

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestToWhatsApp(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		in   string
		want string
	}{
		{"bold", "**Open** 9-5 daily", "*Open* 9-5 daily"},
		{"underscore bold", "__note__", "*note*"},
		{"italic", "_note_", "_note_"},
		{"strike", "~~old~~ new", "~old~ new"},
		{"heading and bullet", "# Hours\n- Mon", "*Hours*\n• Mon"},
		{"link", "[site](https://x.io)", "site (https://x.io)"},
		{"already native", "*bold* _it_ ~s~", "*bold* _it_ ~s~"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.want, ToWhatsApp(tc.in))
		})
	}
}

func TestToTelegram(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "*a* and `code`", ToTelegram("**a** and ```code```"))
	assert.Equal(t, "`fmt.Println()`", ToTelegram("```go\nfmt.Println()\n```"))
	assert.Equal(t, "[site](https://x.io)", ToTelegram("[site](https://x.io)"))
	assert.Equal(t, "*bold*", ToTelegram("__bold__"))
	assert.Equal(t, "_it_", ToTelegram("_it_"))
}

func TestToPlain(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "Bold it code s", ToPlain("**Bold** _it_ `code` ~~s~~"))
	assert.Equal(t, "use snake_case_name", ToPlain("use snake_case_name"))
	assert.Equal(t, "a b", ToPlain("_a_ _b_"))
	assert.Equal(t, "Hours\n• Mon", ToPlain("## Hours\n* Mon"))
	assert.Equal(t, "site (https://x.io)", ToPlain("[site](https://x.io)"))
}

func TestConvertIsStable(t *testing.T) {
	t.Parallel()

	in := "# Menu\n**Open** 9-5, __weekends__ ~~closed~~\n- call [us](https://x.io)\n```txt\nhi\n```"
	for _, dialect := range []Dialect{WhatsApp, Telegram, Plain} {
		once := Convert(dialect, in)
		assert.Equal(t, once, Convert(dialect, once), "dialect %s", dialect)
	}
	assert.Equal(t, in, Convert(Dialect("unknown"), in))
}
