// common/configloader/print.go
package configloader

import (
	"fmt"
	"io"

	"github.com/goccy/go-json"
)

// PrintConfig выводит конфиг в читаемом виде.
// Секреты должны быть замаскированы вызывающим кодом до печати.
func PrintConfig(w io.Writer, v interface{}) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("configloader: marshal: %w", err)
	}
	_, err = fmt.Fprintf(w, "Loaded configuration:\n%s\n", b)
	return err
}
