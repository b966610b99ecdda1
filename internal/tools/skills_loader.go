package tools

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// LoadSkillDefinitions reads every *.yaml/*.yml skill definition under the
// given directories. Unparseable files are skipped with the error noted so
// one bad skill does not take the runtime down.
func LoadSkillDefinitions(dirs []string) ([]SkillDefinition, []error) {
	var defs []SkillDefinition
	var errs []error
	for _, dir := range dirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			errs = append(errs, fmt.Errorf("read skill dir %s: %w", dir, err))
			continue
		}
		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			ext := filepath.Ext(entry.Name())
			if ext != ".yaml" && ext != ".yml" {
				continue
			}
			path := filepath.Join(dir, entry.Name())
			data, err := os.ReadFile(path)
			if err != nil {
				errs = append(errs, fmt.Errorf("read skill %s: %w", path, err))
				continue
			}
			var def SkillDefinition
			if err := yaml.Unmarshal(data, &def); err != nil {
				errs = append(errs, fmt.Errorf("parse skill %s: %w", path, err))
				continue
			}
			if def.Name == "" {
				errs = append(errs, fmt.Errorf("skill %s has no name", path))
				continue
			}
			defs = append(defs, def)
		}
	}
	return defs, errs
}
