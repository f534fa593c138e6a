package ranking

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type tablesFile struct {
	Ranking Tables `yaml:"ranking"`
}

// LoadTables reads scoring tables from a YAML file. A missing or empty
// path yields the compiled-in defaults. Lists absent from the file are
// filled from the defaults, so partial overrides are allowed.
func LoadTables(path string) (Tables, error) {
	defaults := DefaultTables()
	if path == "" {
		return defaults, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return defaults, nil
		}
		return defaults, err
	}

	var f tablesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return defaults, fmt.Errorf("parse ranking tables: %w", err)
	}

	t := f.Ranking
	if len(t.SkipPatterns) == 0 {
		t.SkipPatterns = defaults.SkipPatterns
	}
	if len(t.Spam) == 0 {
		t.Spam = defaults.Spam
	}
	if len(t.Profiles) == 0 {
		t.Profiles = defaults.Profiles
	} else {
		for lang, def := range defaults.Profiles {
			p, ok := t.Profiles[lang]
			if !ok {
				t.Profiles[lang] = def
				continue
			}
			if len(p.News) == 0 {
				p.News = def.News
			}
			if len(p.Analyst) == 0 {
				p.Analyst = def.Analyst
			}
			if len(p.Blogs) == 0 {
				p.Blogs = def.Blogs
			}
			if len(p.Institutional) == 0 {
				p.Institutional = def.Institutional
			}
			t.Profiles[lang] = p
		}
	}
	return t, nil
}
