package lifecycle

import (
	"context"
	"errors"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	utilruntime "k8s.io/apimachinery/pkg/util/runtime"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/client/fake"
	"sigs.k8s.io/controller-runtime/pkg/client/interceptor"

	"github.com/migalsp/kubex-lifecycle/internal/admission"
	"github.com/migalsp/kubex-lifecycle/internal/audit"
	"github.com/migalsp/kubex-lifecycle/internal/businesshours"
	"github.com/migalsp/kubex-lifecycle/internal/costcenter"
	"github.com/migalsp/kubex-lifecycle/internal/inspector"
	"github.com/migalsp/kubex-lifecycle/internal/reason"
	"github.com/migalsp/kubex-lifecycle/internal/scaling"
)

var (
	// Wednesday 2026-03-11
	businessHour    = time.Date(2026, 3, 11, 10, 0, 0, 0, time.UTC)
	nonBusinessHour = time.Date(2026, 3, 11, 23, 0, 0, 0, time.UTC)
)

func deployment(ns, name string, replicas int32) *appsv1.Deployment {
	return &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: ns},
		Spec:       appsv1.DeploymentSpec{Replicas: &replicas},
	}
}

func namespace(name string) *corev1.Namespace {
	return &corev1.Namespace{ObjectMeta: metav1.ObjectMeta{Name: name}}
}

type harness struct {
	client   client.Client
	service  *Service
	manager  *costcenter.Manager
	recorder *audit.MemoryRecorder
}

func newHarness(now time.Time, funcs *interceptor.Funcs, objs ...client.Object) *harness {
	scheme := runtime.NewScheme()
	utilruntime.Must(clientgoscheme.AddToScheme(scheme))

	builder := fake.NewClientBuilder().WithScheme(scheme).WithObjects(objs...)
	if funcs != nil {
		builder = builder.WithInterceptorFuncs(*funcs)
	}
	c := builder.Build()

	store := costcenter.NewMemoryStore()
	cache := costcenter.NewCache(store, costcenter.DefaultCacheTTL)
	manager := costcenter.NewManager(store, cache)
	_, err := manager.SetPermission(context.Background(), costcenter.Permission{
		CostCenter:                  "CC-001",
		IsAuthorized:                true,
		MaxConcurrentNamespaces:     5,
		AuthorizedNamespacePatterns: []string{"dev-*"},
	})
	Expect(err).NotTo(HaveOccurred())

	insp := inspector.New(c)
	calc := businesshours.NewCalculator(businesshours.Config{Timezone: "UTC", StartHour: 8, EndHour: 18})
	ctrl := admission.NewController(costcenter.NewAuthority(cache), calc, insp, admission.NewProtectedSet("kubex"))
	ctrl.Now = func() time.Time { return now }

	recorder := audit.NewMemoryRecorder(100)
	return &harness{
		client:  c,
		manager: manager,
		service: &Service{
			Admission: ctrl,
			Engine:    scaling.NewEngine(insp, inspector.NewScaler(c), time.Second),
			Audit:     &audit.Sink{Recorder: recorder},
			Locker:    admission.NewKeyedMutex(),
			Cluster:   "test-cluster",
		},
		recorder: recorder,
	}
}

// ctxRecorder refuses writes on a done context, like a database driver does.
type ctxRecorder struct {
	*audit.MemoryRecorder
}

func (c ctxRecorder) Record(ctx context.Context, r audit.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.MemoryRecorder.Record(ctx, r)
}

func (h *harness) replicas(ns, name string) int32 {
	var d appsv1.Deployment
	Expect(h.client.Get(context.Background(), client.ObjectKey{Namespace: ns, Name: name}, &d)).To(Succeed())
	return *d.Spec.Replicas
}

func (h *harness) auditFor(ns string) []audit.Record {
	records, err := h.recorder.Query(context.Background(), audit.Filter{Namespace: ns})
	Expect(err).NotTo(HaveOccurred())
	return records
}

var _ = Describe("Lifecycle Service", func() {
	ctx := context.Background()

	Context("when the cost center is at its namespace limit outside business hours", func() {
		It("denies activation with limit_exceeded", func() {
			objs := []client.Object{namespace("dev-app"), deployment("dev-app", "api", 0)}
			for _, n := range []string{"dev-1", "dev-2", "dev-3", "dev-4", "dev-5"} {
				objs = append(objs, namespace(n), deployment(n, "api", 1))
			}
			h := newHarness(nonBusinessHour, nil, objs...)

			resp := h.service.Activate(ctx, "dev-app", "CC-001", "alice")

			Expect(resp.Success).To(BeFalse())
			Expect(resp.ReasonCode).To(Equal(reason.CodeLimitExceeded))
			Expect(resp.Details).To(Equal(map[string]interface{}{"current_active_count": 5, "max_allowed": 5}))
			Expect(resp.Result).To(BeNil())
			Expect(h.replicas("dev-app", "api")).To(Equal(int32(0)))

			records := h.auditFor("dev-app")
			Expect(records).To(HaveLen(1))
			Expect(records[0].ReasonCode).To(Equal(reason.CodeLimitExceeded))
			Expect(records[0].RequestedBy).To(Equal("alice"))
			Expect(records[0].Cluster).To(Equal("test-cluster"))
		})
	})

	Context("when the target is a protected namespace", func() {
		It("denies deactivation of kube-system regardless of cost center state", func() {
			h := newHarness(businessHour, nil, namespace("kube-system"), deployment("kube-system", "coredns", 2))

			for _, cc := range []string{"CC-001", "CC-UNKNOWN"} {
				resp := h.service.Deactivate(ctx, "kube-system", cc, "cron")
				Expect(resp.ReasonCode).To(Equal(reason.CodeProtectedNamespace))
				Expect(reason.CodeOf(resp.Err()).Retryable()).To(BeFalse())
			}
			Expect(h.replicas("kube-system", "coredns")).To(Equal(int32(2)))
		})
	})

	Context("when the second deployment fails mid-call", func() {
		It("restores the first deployment and reports FailedRolledBack", func() {
			funcs := &interceptor.Funcs{
				Patch: func(ctx context.Context, c client.WithWatch, obj client.Object, patch client.Patch, opts ...client.PatchOption) error {
					if obj.GetName() == "worker" {
						return errors.New("etcdserver: request timed out")
					}
					return c.Patch(ctx, obj, patch, opts...)
				},
			}
			h := newHarness(businessHour, funcs, namespace("dev-app"), deployment("dev-app", "api", 3), deployment("dev-app", "worker", 2))

			resp := h.service.Deactivate(ctx, "dev-app", "CC-001", "cron")

			Expect(resp.Success).To(BeFalse())
			Expect(resp.ReasonCode).To(Equal(reason.CodeScaling))
			Expect(resp.RollbackInfo).NotTo(BeNil())
			Expect(resp.RollbackInfo.Status).To(Equal(scaling.StatusFailedRolledBack))
			Expect(resp.RollbackInfo.Results).To(HaveLen(1))
			Expect(resp.RollbackInfo.Results[0].Ref.Name).To(Equal("api"))
			Expect(h.replicas("dev-app", "api")).To(Equal(int32(3)))
			Expect(h.replicas("dev-app", "worker")).To(Equal(int32(2)))

			records := h.auditFor("dev-app")
			Expect(records).To(HaveLen(1))
			Expect(records[0].Result.OverallStatus).To(Equal(scaling.StatusFailedRolledBack))
		})
	})

	Context("when the caller goes away mid-operation", func() {
		It("still rolls back and persists the audit record", func() {
			opCtx, cancel := context.WithCancel(ctx)
			defer cancel()
			funcs := &interceptor.Funcs{
				Patch: func(ctx context.Context, c client.WithWatch, obj client.Object, patch client.Patch, opts ...client.PatchOption) error {
					if obj.GetName() == "worker" {
						cancel()
						return context.Canceled
					}
					return c.Patch(ctx, obj, patch, opts...)
				},
			}
			h := newHarness(businessHour, funcs, namespace("dev-app"), deployment("dev-app", "api", 3), deployment("dev-app", "worker", 2))
			h.service.Audit = &audit.Sink{Recorder: ctxRecorder{h.recorder}}

			resp := h.service.Deactivate(opCtx, "dev-app", "CC-001", "cron")

			Expect(resp.Success).To(BeFalse())
			Expect(resp.RollbackInfo).NotTo(BeNil())
			Expect(h.replicas("dev-app", "api")).To(Equal(int32(3)))

			records := h.auditFor("dev-app")
			Expect(records).To(HaveLen(1))
			Expect(records[0].Result).NotTo(BeNil())
			Expect(records[0].Result.OverallStatus).To(Equal(resp.RollbackInfo.Status))
			Expect(records[0].ReasonCode).To(Equal(resp.ReasonCode))
		})
	})

	Context("when a namespace is cycled down and up", func() {
		It("restores the original replica counts", func() {
			h := newHarness(businessHour, nil,
				namespace("dev-app"), deployment("dev-app", "api", 3), deployment("dev-app", "worker", 2))

			down := h.service.Deactivate(ctx, "dev-app", "CC-001", "cron")
			Expect(down.Success).To(BeTrue(), down.Message)
			Expect(down.ScaledResources).To(HaveLen(2))
			Expect(down.RollbackInfo).To(BeNil())
			Expect(h.replicas("dev-app", "api")).To(Equal(int32(0)))

			up := h.service.Activate(ctx, "dev-app", "CC-001", "alice")
			Expect(up.Success).To(BeTrue(), up.Message)
			Expect(h.replicas("dev-app", "api")).To(Equal(int32(3)))
			Expect(h.replicas("dev-app", "worker")).To(Equal(int32(2)))

			var d appsv1.Deployment
			Expect(h.client.Get(ctx, client.ObjectKey{Namespace: "dev-app", Name: "api"}, &d)).To(Succeed())
			Expect(d.Annotations).NotTo(HaveKey(inspector.OriginalReplicasAnnotation))

			Expect(h.auditFor("dev-app")).To(HaveLen(2))
		})
	})

	Context("when RunCommand is issued", func() {
		It("scales every workload to the requested replicas", func() {
			h := newHarness(nonBusinessHour, nil, namespace("dev-app"), deployment("dev-app", "api", 1))

			resp := h.service.RunCommand(ctx, "dev-app", "CC-001", "ops", 4)
			Expect(resp.Success).To(BeTrue(), resp.Message)
			Expect(h.replicas("dev-app", "api")).To(Equal(int32(4)))

			resp = h.service.RunCommand(ctx, "dev-app", "CC-001", "ops", -1)
			Expect(resp.ReasonCode).To(Equal(reason.CodeValidation))
		})
	})

	Context("when a permission is revoked", func() {
		It("denies the very next request", func() {
			h := newHarness(businessHour, nil, namespace("dev-app"), deployment("dev-app", "api", 1))

			Expect(h.service.Deactivate(ctx, "dev-app", "CC-001", "cron").Success).To(BeTrue())

			_, err := h.manager.SetPermission(ctx, costcenter.Permission{CostCenter: "CC-001", IsAuthorized: false})
			Expect(err).NotTo(HaveOccurred())

			resp := h.service.Activate(ctx, "dev-app", "CC-001", "alice")
			Expect(resp.ReasonCode).To(Equal(reason.CodeAuthorization))
		})
	})

	Context("when another activation holds the cost center", func() {
		It("reports admission_busy after the lock timeout", func() {
			h := newHarness(businessHour, nil, namespace("dev-app"))
			h.service.LockTimeout = 20 * time.Millisecond

			unlock, err := h.service.Locker.Lock(ctx, "CC-001")
			Expect(err).NotTo(HaveOccurred())
			defer unlock()

			resp := h.service.Activate(ctx, "dev-app", "CC-001", "alice")
			Expect(resp.ReasonCode).To(Equal(reason.CodeAdmissionBusy))
			Expect(h.auditFor("dev-app")).To(HaveLen(1))
		})
	})
})
