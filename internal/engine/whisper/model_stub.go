//go:build !whisper_cpp

package whisper

import "errors"

// Without the whisper_cpp build tag there are no native bindings to load.
func loadModel(string, uint) (model, error) {
	return nil, errors.New("binary built without whisper_cpp support")
}
