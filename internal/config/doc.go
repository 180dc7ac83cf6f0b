// Package config loads the pricewatch document (JSON or YAML), validates
// it and republishes it on change.
package config
