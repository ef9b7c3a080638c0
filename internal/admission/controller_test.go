package admission

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	. "github.com/onsi/gomega"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/client/fake"

	"github.com/migalsp/kubex-lifecycle/internal/businesshours"
	"github.com/migalsp/kubex-lifecycle/internal/costcenter"
	"github.com/migalsp/kubex-lifecycle/internal/inspector"
	"github.com/migalsp/kubex-lifecycle/internal/reason"
)

var (
	businessHour    = time.Date(2026, 3, 11, 10, 0, 0, 0, time.UTC) // Wednesday
	nonBusinessHour = time.Date(2026, 3, 11, 22, 0, 0, 0, time.UTC)
)

// countingInspector wraps the real inspector to observe and break calls.
type countingInspector struct {
	*inspector.Inspector
	counts    atomic.Int32
	countErr  error
	existsErr error
}

func (c *countingInspector) CountActive(ctx context.Context, include func(ns *corev1.Namespace) bool) (int, error) {
	c.counts.Add(1)
	if c.countErr != nil {
		return 0, c.countErr
	}
	return c.Inspector.CountActive(ctx, include)
}

func (c *countingInspector) NamespaceExists(ctx context.Context, ns string) (bool, error) {
	if c.existsErr != nil {
		return false, c.existsErr
	}
	return c.Inspector.NamespaceExists(ctx, ns)
}

func activeNamespace(name, costCenter string) []client.Object {
	one := int32(1)
	ns := &corev1.Namespace{ObjectMeta: metav1.ObjectMeta{Name: name}}
	if costCenter != "" {
		ns.Labels = map[string]string{"kubex.io/cost-center": costCenter}
	}
	return []client.Object{ns, &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{Name: "app", Namespace: name},
		Spec:       appsv1.DeploymentSpec{Replicas: &one},
	}}
}

type fixture struct {
	ctrl *Controller
	insp *countingInspector
}

func newFixture(g *WithT, now time.Time, perms []costcenter.Permission, objs ...client.Object) *fixture {
	scheme := runtime.NewScheme()
	g.Expect(corev1.AddToScheme(scheme)).To(Succeed())
	g.Expect(appsv1.AddToScheme(scheme)).To(Succeed())

	objs = append(objs,
		&corev1.Namespace{ObjectMeta: metav1.ObjectMeta{Name: "dev-app"}},
		&corev1.Namespace{ObjectMeta: metav1.ObjectMeta{Name: "kube-system"}},
	)
	c := fake.NewClientBuilder().WithScheme(scheme).WithObjects(objs...).Build()

	store := costcenter.NewMemoryStore()
	for i := range perms {
		g.Expect(store.UpsertPermission(context.Background(), &perms[i])).To(Succeed())
	}
	authority := costcenter.NewAuthority(costcenter.NewCache(store, time.Minute))
	calc := businesshours.NewCalculator(businesshours.Config{Timezone: "UTC", StartHour: 8, EndHour: 18})
	insp := &countingInspector{Inspector: inspector.New(c)}

	ctrl := NewController(authority, calc, insp, NewProtectedSet("kubex-lifecycle"))
	ctrl.Now = func() time.Time { return now }
	return &fixture{ctrl: ctrl, insp: insp}
}

func cc001(max int) costcenter.Permission {
	return costcenter.Permission{
		CostCenter:                  "CC-001",
		IsAuthorized:                true,
		MaxConcurrentNamespaces:     max,
		AuthorizedNamespacePatterns: []string{"dev-*"},
	}
}

func activate(ns, cc string) Request {
	return Request{Namespace: ns, CostCenter: cc, Operation: OperationActivate, RequestedBy: "alice", Cluster: "test"}
}

func TestAdmit_ValidationError(t *testing.T) {
	g := NewWithT(t)
	f := newFixture(g, businessHour, nil)

	for _, req := range []Request{
		{CostCenter: "CC-001", Operation: OperationActivate},
		{Namespace: "dev-app", Operation: OperationDeactivate},
		{Namespace: "dev-app", CostCenter: "CC-001", Operation: "Restart"},
	} {
		d := f.ctrl.Admit(context.Background(), req)
		g.Expect(d.Allowed).To(BeFalse())
		g.Expect(d.ReasonCode).To(Equal(reason.CodeValidation))
		g.Expect(d.Request).To(Equal(req))
	}
}

func TestAdmit_ProtectedNamespaceRegardlessOfCostCenter(t *testing.T) {
	g := NewWithT(t)
	f := newFixture(g, businessHour, nil)

	for _, op := range []Operation{OperationActivate, OperationDeactivate, OperationRunCommand} {
		d := f.ctrl.Admit(context.Background(), Request{Namespace: "kube-system", CostCenter: "CC-001", Operation: op})
		g.Expect(d.ReasonCode).To(Equal(reason.CodeProtectedNamespace), string(op))
	}

	d := f.ctrl.Admit(context.Background(), Request{Namespace: "kubex-lifecycle", CostCenter: "CC-404", Operation: OperationDeactivate})
	g.Expect(d.ReasonCode).To(Equal(reason.CodeProtectedNamespace))
	g.Expect(f.insp.counts.Load()).To(BeZero())
}

func TestAdmit_NamespaceChecks(t *testing.T) {
	g := NewWithT(t)
	f := newFixture(g, businessHour, []costcenter.Permission{cc001(5)})

	d := f.ctrl.Admit(context.Background(), Request{Namespace: "dev-ghost", CostCenter: "CC-001", Operation: OperationDeactivate})
	g.Expect(d.ReasonCode).To(Equal(reason.CodeNamespaceNotFound))

	f.insp.existsErr = errors.New("apiserver unavailable")
	d = f.ctrl.Admit(context.Background(), Request{Namespace: "dev-app", CostCenter: "CC-001", Operation: OperationDeactivate})
	g.Expect(d.ReasonCode).To(Equal(reason.CodeCount))
}

func TestAdmit_DeactivateDoesNotCount(t *testing.T) {
	g := NewWithT(t)
	f := newFixture(g, nonBusinessHour, []costcenter.Permission{cc001(0)})

	d := f.ctrl.Admit(context.Background(), Request{Namespace: "dev-app", CostCenter: "CC-001", Operation: OperationDeactivate})
	g.Expect(d.Allowed).To(BeTrue())
	g.Expect(d.Err()).NotTo(HaveOccurred())
	g.Expect(f.insp.counts.Load()).To(BeZero())

	d = f.ctrl.Admit(context.Background(), Request{Namespace: "dev-app", CostCenter: "CC-404", Operation: OperationRunCommand})
	g.Expect(d.ReasonCode).To(Equal(reason.CodeAuthorization))
}

func TestAdmit_QuotaExceeded(t *testing.T) {
	g := NewWithT(t)
	var objs []client.Object
	for _, n := range []string{"dev-a", "dev-b", "dev-c", "dev-d", "dev-e"} {
		objs = append(objs, activeNamespace(n, "")...)
	}
	f := newFixture(g, nonBusinessHour, []costcenter.Permission{cc001(5)}, objs...)

	d := f.ctrl.Admit(context.Background(), activate("dev-app", "CC-001"))

	g.Expect(d.Allowed).To(BeFalse())
	g.Expect(d.ReasonCode).To(Equal(reason.CodeLimitExceeded))
	g.Expect(d.Details).To(Equal(map[string]interface{}{"current_active_count": 5, "max_allowed": 5}))
	g.Expect(*d.CurrentActiveCount).To(Equal(5))
	g.Expect(*d.Limit).To(Equal(5))
}

func TestAdmit_NonBusinessCeiling(t *testing.T) {
	g := NewWithT(t)
	var objs []client.Object
	for _, n := range []string{"dev-a", "dev-b", "dev-c", "dev-d"} {
		objs = append(objs, activeNamespace(n, "")...)
	}
	// Workload in protected namespaces never counts.
	objs = append(objs, &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{Name: "coredns", Namespace: "kube-system"},
	})
	f := newFixture(g, nonBusinessHour, []costcenter.Permission{cc001(20)}, objs...)

	d := f.ctrl.Admit(context.Background(), activate("dev-app", "CC-001"))
	g.Expect(d.Allowed).To(BeTrue(), d.Message)
	g.Expect(*d.CurrentActiveCount).To(Equal(4))
	g.Expect(d.Classification.NonBusiness).To(BeTrue())
	g.Expect(f.insp.counts.Load()).To(Equal(int32(1)))

	f.ctrl.Ceiling = 4
	d = f.ctrl.Admit(context.Background(), activate("dev-app", "CC-001"))
	g.Expect(d.ReasonCode).To(Equal(reason.CodeLimitExceeded))
	g.Expect(*d.Limit).To(Equal(4))
	g.Expect(d.Details).To(HaveKeyWithValue("current_active_count", 4))
}

func TestAdmit_BusinessHoursSkipCeiling(t *testing.T) {
	g := NewWithT(t)
	var objs []client.Object
	for _, n := range []string{"dev-a", "dev-b", "dev-c", "dev-d", "dev-e", "dev-f"} {
		objs = append(objs, activeNamespace(n, "")...)
	}
	f := newFixture(g, businessHour, []costcenter.Permission{cc001(10)}, objs...)

	d := f.ctrl.Admit(context.Background(), activate("dev-app", "CC-001"))
	g.Expect(d.Allowed).To(BeTrue(), d.Message)
	g.Expect(d.Classification.NonBusiness).To(BeFalse())
}

func TestAdmit_CostCenterScope(t *testing.T) {
	g := NewWithT(t)
	var objs []client.Object
	objs = append(objs, activeNamespace("dev-a", "CC-001")...)
	objs = append(objs, activeNamespace("dev-b", "CC-001")...)
	objs = append(objs, activeNamespace("dev-c", "CC-002")...)
	objs = append(objs, activeNamespace("dev-d", "CC-002")...)
	f := newFixture(g, nonBusinessHour, []costcenter.Permission{cc001(3)}, objs...)

	d := f.ctrl.Admit(context.Background(), activate("dev-app", "CC-001"))
	g.Expect(d.ReasonCode).To(Equal(reason.CodeLimitExceeded))

	f.ctrl.Scope = ScopeCostCenter
	d = f.ctrl.Admit(context.Background(), activate("dev-app", "CC-001"))
	g.Expect(d.Allowed).To(BeTrue(), d.Message)
	g.Expect(*d.CurrentActiveCount).To(Equal(2))
}

func TestAdmit_CountFailureFailsClosed(t *testing.T) {
	g := NewWithT(t)
	f := newFixture(g, businessHour, []costcenter.Permission{cc001(5)})
	f.insp.countErr = inspector.ErrQueryFailed

	d := f.ctrl.Admit(context.Background(), activate("dev-app", "CC-001"))
	g.Expect(d.Allowed).To(BeFalse())
	g.Expect(d.ReasonCode).To(Equal(reason.CodeCount))
	g.Expect(reason.CodeOf(d.Err())).To(Equal(reason.CodeCount))
}

func TestProtectedSet(t *testing.T) {
	g := NewWithT(t)
	p := NewProtectedSet("kubex", " monitoring ", "", "kube-system")

	g.Expect(p.List()).To(Equal([]string{"default", "kube-node-lease", "kube-public", "kube-system", "kubex", "monitoring"}))
	g.Expect(p.Contains("monitoring")).To(BeTrue())
	g.Expect(p.Contains("dev-app")).To(BeFalse())
}

func TestKeyedMutex(t *testing.T) {
	g := NewWithT(t)
	k := NewKeyedMutex()

	unlock, err := k.Lock(context.Background(), "CC-001")
	g.Expect(err).NotTo(HaveOccurred())

	// Other keys are independent.
	other, err := k.Lock(context.Background(), "CC-002")
	g.Expect(err).NotTo(HaveOccurred())
	other()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = k.Lock(ctx, "CC-001")
	g.Expect(reason.CodeOf(err)).To(Equal(reason.CodeAdmissionBusy))

	unlock()
	unlock()
	again, err := k.Lock(context.Background(), "CC-001")
	g.Expect(err).NotTo(HaveOccurred())
	again()

	k.mu.Lock()
	g.Expect(k.slots).To(BeEmpty())
	k.mu.Unlock()
}

func TestKeyedMutexSerializes(t *testing.T) {
	g := NewWithT(t)
	k := NewKeyedMutex()

	var inside, maxInside atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := k.Lock(context.Background(), "CC-001")
			if err != nil {
				t.Errorf("lock: %v", err)
				return
			}
			n := inside.Add(1)
			for {
				m := maxInside.Load()
				if n <= m || maxInside.CompareAndSwap(m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			inside.Add(-1)
			unlock()
		}()
	}
	wg.Wait()
	g.Expect(maxInside.Load()).To(Equal(int32(1)))
}

func TestKeepAliveExtendsUntilStopped(t *testing.T) {
	g := NewWithT(t)

	var extensions atomic.Int32
	var lost atomic.Int32
	stop := keepAlive(context.Background(), 5*time.Millisecond, func(context.Context) (bool, error) {
		extensions.Add(1)
		return true, nil
	}, func(error) { lost.Add(1) })

	g.Eventually(extensions.Load).Should(BeNumerically(">=", 3))
	stop()
	stop()
	after := extensions.Load()
	time.Sleep(20 * time.Millisecond)
	g.Expect(extensions.Load()).To(Equal(after))
	g.Expect(lost.Load()).To(BeZero())
}

func TestKeepAliveReportsLostLock(t *testing.T) {
	g := NewWithT(t)

	lost := make(chan error, 2)
	var extensions atomic.Int32
	stop := keepAlive(context.Background(), 5*time.Millisecond, func(context.Context) (bool, error) {
		extensions.Add(1)
		return false, nil
	}, func(err error) { lost <- err })
	defer stop()

	var err error
	g.Eventually(lost).Should(Receive(&err))
	g.Expect(err).To(MatchError(errLockLost))
	g.Consistently(lost, 30*time.Millisecond).ShouldNot(Receive())
	g.Expect(extensions.Load()).To(Equal(int32(1)))
}
