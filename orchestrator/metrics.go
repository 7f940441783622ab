// Copyright 2025 Quarry
// SPDX-License-Identifier: BUSL-1.1
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package orchestrator

import "github.com/prometheus/client_golang/prometheus"

// Prometheus metrics
var (
	promDriverAcquisitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quarry_orchestrator_driver_acquisitions_total",
			Help: "Total number of driver acquisition attempts by outcome",
		},
		[]string{"status"},
	)
)

func init() {
	// Register Prometheus metrics
	prometheus.MustRegister(promDriverAcquisitions)
}
