/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"log"

	"knative.dev/pkg/logging"
	"knative.dev/pkg/signals"

	"github.com/datagate-io/datagate/pkg/operator"
	"github.com/datagate-io/datagate/pkg/operator/options"
)

func main() {
	opts := options.New().MustParse()
	logger, err := operator.NewLogger(opts.LogLevel)
	if err != nil {
		log.Fatalf("initializing logger, %s", err)
	}
	defer func() {
		_ = logger.Sync()
	}()
	ctx := logging.WithLogger(signals.NewContext(), logger)
	op, err := operator.New(ctx, opts)
	if err != nil {
		logger.Fatalf("initializing, %s", err)
	}
	if err := op.Run(ctx); err != nil {
		logger.Fatalf("running, %s", err)
	}
}
