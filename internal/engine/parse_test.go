package engine

import "testing"

func TestParseKVBlock(t *testing.T) {
	t.Run("quoted_values", func(t *testing.T) {
		kv := ParseKVBlock([]string{
			`title="So What"`,
			`artist="Miles Davis"`,
			`album="Kind of Blue"`,
		})
		if kv["title"] != "So What" || kv["artist"] != "Miles Davis" {
			t.Errorf("kv = %v", kv)
		}
	})

	t.Run("unicode_escapes_in_filenames", func(t *testing.T) {
		kv := ParseKVBlock([]string{
			`filename="/music/björk/jóga.mp3"`,
		})
		if kv["filename"] != "/music/björk/jóga.mp3" {
			t.Errorf("filename = %q", kv["filename"])
		}
	})

	t.Run("unquoted_and_malformed", func(t *testing.T) {
		kv := ParseKVBlock([]string{
			`rid=14`,
			`status=playing`,
			`no equals sign here`,
			`=empty key`,
		})
		if kv["rid"] != "14" || kv["status"] != "playing" {
			t.Errorf("kv = %v", kv)
		}
		if len(kv) != 2 {
			t.Errorf("len = %d, want 2", len(kv))
		}
	})

	t.Run("value_containing_equals", func(t *testing.T) {
		kv := ParseKVBlock([]string{`comment="a=b"`})
		if kv["comment"] != "a=b" {
			t.Errorf("comment = %q", kv["comment"])
		}
	})
}

func TestSection(t *testing.T) {
	lines := []string{
		"--- 1 ---",
		`title="current"`,
		"--- 2 ---",
		`title="previous"`,
	}

	t.Run("first_section", func(t *testing.T) {
		kv := ParseKVBlock(Section(lines, 1))
		if kv["title"] != "current" {
			t.Errorf("kv = %v", kv)
		}
	})

	t.Run("second_section", func(t *testing.T) {
		kv := ParseKVBlock(Section(lines, 2))
		if kv["title"] != "previous" {
			t.Errorf("kv = %v", kv)
		}
	})

	t.Run("missing_section", func(t *testing.T) {
		if got := Section(lines, 9); got != nil {
			t.Errorf("Section(9) = %v, want nil", got)
		}
	})
}
