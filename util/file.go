package util

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/template"
)

const maxConfigFileSize = 1024 * 1024

// ReadJson reads JSON config file and maps to a provided interface
func ReadJson(file string, res interface{}) error {
	bs, err := readLimited(file)
	if err != nil {
		return err
	}

	if err := json.Unmarshal(bs, res); err != nil {
		return fmt.Errorf("parse %s: %w", file, err)
	}
	return nil
}

// ReadJsonWithEnvSub reads JSON config file and maps to a provided interface
// after substituting environment variables written as {{ .NAME }}.
func ReadJsonWithEnvSub(file string, res interface{}) error {
	bs, err := readLimited(file)
	if err != nil {
		return err
	}

	t, err := template.New("").Option("missingkey=zero").Parse(string(bs))
	if err != nil {
		return fmt.Errorf("error parsing template: %v", err)
	}

	var output bytes.Buffer
	if err := t.Execute(&output, getEnvMap()); err != nil {
		return fmt.Errorf("error executing template: %v", err)
	}

	if err := json.Unmarshal(output.Bytes(), res); err != nil {
		return fmt.Errorf("failed parsing Json file after template was executed, err: %v", err)
	}
	return nil
}

func readLimited(file string) ([]byte, error) {
	f, err := os.Open(file)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	bs, err := io.ReadAll(io.LimitReader(f, maxConfigFileSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if len(bs) > maxConfigFileSize {
		return nil, fmt.Errorf("config file too large: maximum size is %d bytes", maxConfigFileSize)
	}
	return bs, nil
}

// getEnvMap converts the output of os.Environ() to a map.
func getEnvMap() map[string]string {
	envMap := make(map[string]string)

	for _, env := range os.Environ() {
		parts := strings.SplitN(env, "=", 2)
		if len(parts) == 2 && parts[0] != "" {
			envMap[parts[0]] = parts[1]
		}
	}

	return envMap
}
