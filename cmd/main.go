/*
Copyright 2026 migalsp.

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
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	_ "time/tzdata"

	"k8s.io/apimachinery/pkg/runtime"
	utilruntime "k8s.io/apimachinery/pkg/util/runtime"
	"k8s.io/client-go/kubernetes"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	metricsv "k8s.io/metrics/pkg/client/clientset/versioned"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/healthz"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"
	metricsserver "sigs.k8s.io/controller-runtime/pkg/metrics/server"

	"github.com/migalsp/kubex-lifecycle/internal/admission"
	"github.com/migalsp/kubex-lifecycle/internal/api"
	"github.com/migalsp/kubex-lifecycle/internal/audit"
	"github.com/migalsp/kubex-lifecycle/internal/businesshours"
	"github.com/migalsp/kubex-lifecycle/internal/config"
	"github.com/migalsp/kubex-lifecycle/internal/controller"
	"github.com/migalsp/kubex-lifecycle/internal/costcenter"
	"github.com/migalsp/kubex-lifecycle/internal/inspector"
	"github.com/migalsp/kubex-lifecycle/internal/lifecycle"
	"github.com/migalsp/kubex-lifecycle/internal/scaling"
	"github.com/migalsp/kubex-lifecycle/internal/store"
)

var (
	scheme   = runtime.NewScheme()
	setupLog = ctrl.Log.WithName("setup")
)

func init() {
	utilruntime.Must(clientgoscheme.AddToScheme(scheme))
}

func main() {
	var metricsAddr, probeAddr string
	var enableLeaderElection bool
	flag.StringVar(&metricsAddr, "metrics-bind-address", ":8080", "The address the metrics endpoint binds to.")
	flag.StringVar(&probeAddr, "health-probe-bind-address", ":8081", "The address the probe endpoint binds to.")
	flag.BoolVar(&enableLeaderElection, "leader-elect", false,
		"Enable leader election for the namespace activity controller.")
	opts := zap.Options{Development: true}
	opts.BindFlags(flag.CommandLine)
	flag.Parse()

	ctrl.SetLogger(zap.New(zap.UseFlagOptions(&opts)))

	cfg, warnings, err := config.Load()
	for _, w := range warnings {
		setupLog.Info("Configuration warning", "warning", w)
	}
	if err != nil {
		setupLog.Error(err, "unable to load configuration")
		os.Exit(1)
	}

	restConfig := ctrl.GetConfigOrDie()
	mgr, err := ctrl.NewManager(restConfig, ctrl.Options{
		Scheme:                 scheme,
		Metrics:                metricsserver.Options{BindAddress: metricsAddr},
		HealthProbeBindAddress: probeAddr,
		LeaderElection:         enableLeaderElection,
		LeaderElectionID:       "lifecycle.kubex.io",
	})
	if err != nil {
		setupLog.Error(err, "unable to start manager")
		os.Exit(1)
	}

	ctx := ctrl.SetupSignalHandler()

	stores, err := openStores(ctx, cfg)
	if err != nil {
		setupLog.Error(err, "unable to open stores")
		os.Exit(1)
	}
	defer stores.close()

	cache := costcenter.NewCache(stores.permissions, cfg.PermissionCacheTTL)
	permissions := costcenter.NewManager(stores.permissions, cache)
	if cfg.PermissionsSeedFile != "" {
		perms, err := costcenter.LoadSeedFile(cfg.PermissionsSeedFile)
		if err == nil {
			err = permissions.Seed(ctx, perms)
		}
		if err != nil {
			setupLog.Error(err, "unable to seed permissions", "file", cfg.PermissionsSeedFile)
			os.Exit(1)
		}
		setupLog.Info("Seeded permissions", "file", cfg.PermissionsSeedFile, "count", len(perms))
	}

	// Admission counts against the API server directly; the cache may lag.
	liveInspector := inspector.New(mgr.GetAPIReader())
	calc := businesshours.NewCalculator(cfg.BusinessHours)
	protected := admission.NewProtectedSet(cfg.PodNamespace, cfg.ProtectedNamespaces...)

	admitter := admission.NewController(costcenter.NewAuthority(cache), calc, liveInspector, protected)
	admitter.Ceiling = cfg.NonBusinessCeiling
	admitter.Scope = admission.Scope(cfg.ActiveCountScope)
	admitter.CostCenterLabel = cfg.CostCenterLabel

	locker, err := newLocker(ctx, cfg)
	if err != nil {
		setupLog.Error(err, "unable to set up admission lock")
		os.Exit(1)
	}

	scaler := inspector.NewScaler(mgr.GetClient())
	scaler.Reader = mgr.GetAPIReader()

	service := &lifecycle.Service{
		Admission: admitter,
		Engine:    scaling.NewEngine(liveInspector, scaler, cfg.MutationTimeout),
		Audit:     &audit.Sink{Recorder: stores.recorder},
		Locker:    locker,
		Cluster:   cfg.ClusterName,
	}

	if err := (&controller.NamespaceActivityReconciler{
		Client:          mgr.GetClient(),
		Inspector:       inspector.New(mgr.GetClient()),
		Protected:       protected,
		CostCenterLabel: cfg.CostCenterLabel,
	}).SetupWithManager(mgr); err != nil {
		setupLog.Error(err, "unable to create controller", "controller", "NamespaceActivity")
		os.Exit(1)
	}

	k8sClient, err := kubernetes.NewForConfig(restConfig)
	if err != nil {
		setupLog.Error(err, "unable to create kubernetes clientset")
		os.Exit(1)
	}
	// metrics-server is optional; namespace status omits usage without it.
	metricsClient, err := metricsv.NewForConfig(restConfig)
	if err != nil {
		setupLog.Info("Metrics client unavailable, namespace usage disabled", "error", err.Error())
	}

	server := &api.Server{
		Lifecycle:   service,
		Inspector:   liveInspector,
		Permissions: permissions,
		Audit:       stores.querier,
		Calculator:  calc,
		Protected:   protected,
		K8sClient:   k8sClient,
		Auth:        api.NewAuth(cfg.AuthUser, cfg.AuthPassword),
		Port:        fmt.Sprint(cfg.APIPort),
	}
	if metricsClient != nil {
		server.MetricsClient = metricsClient
	}
	if err := mgr.Add(server); err != nil {
		setupLog.Error(err, "unable to add API server")
		os.Exit(1)
	}

	if err := mgr.AddHealthzCheck("healthz", healthz.Ping); err != nil {
		setupLog.Error(err, "unable to set up health check")
		os.Exit(1)
	}
	if err := mgr.AddReadyzCheck("readyz", stores.readyz); err != nil {
		setupLog.Error(err, "unable to set up ready check")
		os.Exit(1)
	}

	setupLog.Info("starting manager", "protectedNamespaces", protected.List(), "scope", cfg.ActiveCountScope,
		"ceiling", cfg.NonBusinessCeiling, "timezone", cfg.BusinessHours.Timezone)
	if err := mgr.Start(ctx); err != nil {
		setupLog.Error(err, "problem running manager")
		os.Exit(1)
	}
}

type backends struct {
	permissions costcenter.Store
	recorder    audit.Recorder
	querier     audit.Querier
	readyz      healthz.Checker
	close       func()
}

// openStores connects to Postgres when DATABASE_URL or AUDIT_RDS_INSTANCE is
// set and otherwise keeps everything in memory.
func openStores(ctx context.Context, cfg *config.Config) (*backends, error) {
	url := cfg.DatabaseURL
	if url == "" && cfg.AuditRDSInstance != "" {
		rdsClient, err := store.NewRDSClient(ctx, cfg.AWSRegion)
		if err != nil {
			return nil, err
		}
		hostPort, err := store.ResolveRDSEndpoint(ctx, rdsClient, cfg.AuditRDSInstance)
		if err != nil {
			return nil, err
		}
		setupLog.Info("Resolved RDS endpoint", "instance", cfg.AuditRDSInstance, "endpoint", hostPort)
		url = store.PostgresURL(hostPort, cfg.DatabaseUser, cfg.DatabasePassword, cfg.DatabaseName)
	}

	if url == "" {
		setupLog.Info("No database configured, permissions and audit records are kept in memory")
		recorder := audit.NewMemoryRecorder(0)
		return &backends{
			permissions: costcenter.NewMemoryStore(),
			recorder:    recorder,
			querier:     recorder,
			readyz:      healthz.Ping,
			close:       func() {},
		}, nil
	}

	pool, err := store.NewPool(ctx, store.DefaultConfig(url))
	if err != nil {
		return nil, err
	}
	st := store.New(pool)
	if err := st.Migrate(ctx); err != nil {
		st.Close()
		return nil, err
	}
	return &backends{
		permissions: st.Permissions,
		recorder:    st.Audit,
		querier:     st.Audit,
		readyz: func(req *http.Request) error {
			return st.Ping(req.Context())
		},
		close: st.Close,
	}, nil
}

func newLocker(ctx context.Context, cfg *config.Config) (admission.Locker, error) {
	switch {
	case cfg.RedisURL != "":
		rdb, err := admission.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		setupLog.Info("Serializing admissions through Redis")
		return admission.NewRedisLocker(rdb), nil
	case cfg.SerializeAdmission:
		return admission.NewKeyedMutex(), nil
	default:
		return nil, nil
	}
}
