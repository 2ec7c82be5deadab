// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/AleutianAI/GenomeGate/pkg/logging"
)

// GAParameters is the tuple published by the external genetic-algorithm
// tuner. Zero values mean "no override".
type GAParameters struct {
	IDSThreshold int     `json:"ids_threshold"`
	AMLThreshold float64 `json:"aml_threshold"`
	Workers      int     `json:"workers"`
}

// TunerWatch watches the ga_parameters file and republishes its
// contents whenever the tuner rewrites it.
//
// Description:
//
//	The tuner itself is an offline process; its only contract with the
//	core is this file. The watch delivers the parsed tuple to the
//	callback on startup (if the file exists) and after every write.
//	Threshold overrides take effect on the next scan; a workers
//	override is surfaced to the callback but only applies at the next
//	restart, since the pool size is fixed at startup.
//
// Thread Safety:
//
//	The callback is invoked from a single watch goroutine.
type TunerWatch struct {
	path    string
	watcher *fsnotify.Watcher
	apply   func(GAParameters)
	logger  *logging.Logger
	done    chan struct{}
}

// NewTunerWatch starts watching path. The callback runs immediately
// when the file already exists, then on every change.
func NewTunerWatch(path string, logger *logging.Logger, apply func(GAParameters)) (*TunerWatch, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create tuner watcher: %w", err)
	}

	// Watch the directory: editors and the tuner replace the file by
	// rename, which drops a watch on the file itself.
	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch tuner directory %s: %w", dir, err)
	}

	w := &TunerWatch{
		path:    path,
		watcher: watcher,
		apply:   apply,
		logger:  logger,
		done:    make(chan struct{}),
	}

	if params, err := readGAParameters(path); err == nil {
		apply(params)
	} else if !os.IsNotExist(err) {
		logger.Warn("tuner parameters unreadable", "path", path, "error", err)
	}

	go w.run()
	return w, nil
}

func (w *TunerWatch) run() {
	defer close(w.done)

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}

			params, err := readGAParameters(w.path)
			if err != nil {
				w.logger.Warn("tuner parameters unreadable", "path", w.path, "error", err)
				continue
			}
			w.logger.Info("tuner parameters applied",
				"ids_threshold", params.IDSThreshold,
				"aml_threshold", params.AMLThreshold,
				"workers", params.Workers)
			w.apply(params)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("tuner watch error", "error", err)
		}
	}
}

// Close stops the watch and waits for the goroutine to exit.
func (w *TunerWatch) Close() error {
	err := w.watcher.Close()
	<-w.done
	return err
}

// readGAParameters parses the tuner file.
func readGAParameters(path string) (GAParameters, error) {
	var params GAParameters
	data, err := os.ReadFile(path)
	if err != nil {
		return params, err
	}
	if err := json.Unmarshal(data, &params); err != nil {
		return params, fmt.Errorf("parse %s: %w", path, err)
	}
	return params, nil
}
