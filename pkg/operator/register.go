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

package operator

// Every pluggable backend and data source links in here; their init functions
// register the constructors the config file selects from.
import (
	_ "github.com/datagate-io/datagate/pkg/datasource/echo"
	_ "github.com/datagate-io/datagate/pkg/datasource/relay"
	_ "github.com/datagate-io/datagate/pkg/metricstore/redis"
	_ "github.com/datagate-io/datagate/pkg/queue/redis"
	_ "github.com/datagate-io/datagate/pkg/queue/sqs"
	_ "github.com/datagate-io/datagate/pkg/staging/fs"
	_ "github.com/datagate-io/datagate/pkg/staging/s3"
	_ "github.com/datagate-io/datagate/pkg/store/redis"
)
