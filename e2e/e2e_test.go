package e2e

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/vishvananda/netlink"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/onsi/gomega/gbytes"
)

// Fixed port so the specs know where to find the metrics endpoint. The observer
// runs inside the test network namespace, so this cannot collide with the host.
const observerMetricsPort = 9472

var _ = When("Running the built binary", Ordered, func() {
	BeforeEach(func() {
		By("Logging the network state prior to starting the test")
		logNetworkState()
	})

	AfterEach(func() {
		By("Logging the network state after finishing the test")
		logNetworkState()
	})

	It("should show the help message", func() {
		helpText, err := Run(exec.Command(binaryPath, "--help"))
		Expect(err).NotTo(HaveOccurred(), "Failed to run binary")
		Expect(helpText).To(ContainSubstring("Usage of"), "Help text should contain usage information")
	})

	It("should refuse to start with an invalid configuration", func() {
		output, err := Run(exec.Command(binaryPath, "-transport", "carrier-pigeon"))
		Expect(err).To(HaveOccurred(), "Binary should exit non-zero for an unknown transport")
		Expect(output).To(ContainSubstring("transport must be 'netlink' or 'raw'"), "Error output should name the invalid flag")
	})

	for _, transportName := range []string{"netlink", "raw"} {
		When(fmt.Sprintf("observing with the %s transport", transportName), Ordered, func() {
			It("should report link notifications for interface churn", func() {
				session, stop := startObserver(transportName)
				defer stop()

				linkIndex := addTestVeth("obs.veth0", "obs.veth1")
				defer deleteLinkIfPresent("obs.veth0")

				expectRecord(session, fmt.Sprintf("Link added, index: %d", linkIndex))

				deleteLink("obs.veth0")
				expectRecord(session, fmt.Sprintf("Link deleted, index: %d", linkIndex))
			})

			It("should report route add, replace, and delete notifications", func() {
				session, stop := startObserver(transportName)
				defer stop()

				linkIndex := addTestVeth("obs.veth0", "obs.veth1")
				defer deleteLinkIfPresent("obs.veth0")
				addLinkAddress("obs.veth0", "10.40.0.1/24")

				route := &netlink.Route{
					Dst:       parseCIDR("10.50.0.0/24"),
					Gw:        net.ParseIP("10.40.0.2"),
					LinkIndex: linkIndex,
					Priority:  100,
				}
				Expect(netlink.RouteAdd(route)).To(Succeed(), "Failed to add route")
				expectRecord(session, fmt.Sprintf("Route added: destination: 10.50.0.0/24 oif: %d gateway: 10.40.0.2 metric: 100", linkIndex))

				route.Gw = net.ParseIP("10.40.0.3")
				Expect(netlink.RouteReplace(route)).To(Succeed(), "Failed to replace route")
				expectRecord(session, fmt.Sprintf("Route changed: destination: 10.50.0.0/24 oif: %d gateway: 10.40.0.3 metric: 100", linkIndex))

				Expect(netlink.RouteDel(route)).To(Succeed(), "Failed to delete route")
				expectRecord(session, fmt.Sprintf("Route deleted: destination: 10.50.0.0/24 oif: %d gateway: 10.40.0.3 metric: 100", linkIndex))
			})

			It("should report invalidations for cached routes when their interface is removed", func() {
				session, stop := startObserver(transportName)
				defer stop()

				linkIndex := addTestVeth("obs.veth0", "obs.veth1")
				defer deleteLinkIfPresent("obs.veth0")
				addLinkAddress("obs.veth0", "10.40.0.1/24")

				for _, destination := range []string{"10.50.0.0/24", "10.60.0.0/24"} {
					route := &netlink.Route{
						Dst:       parseCIDR(destination),
						Gw:        net.ParseIP("10.40.0.2"),
						LinkIndex: linkIndex,
						Priority:  100,
					}
					Expect(netlink.RouteAdd(route)).To(Succeed(), "Failed to add route to %q", destination)
					expectRecord(session, fmt.Sprintf("Route added: destination: %s oif: %d gateway: 10.40.0.2 metric: 100", destination, linkIndex))
				}

				deleteLink("obs.veth0")
				expectRecord(session, fmt.Sprintf("Link deleted, index: %d", linkIndex))

				// The kernel flushes the routes of a removed interface without route delete
				// notifications, so the cached entries must come back from the scan.
				expectRecord(session, fmt.Sprintf("Route invalidated: destination: 10.50.0.0/24 oif: %d gateway: 10.40.0.2 metric: 100", linkIndex))
				expectRecord(session, fmt.Sprintf("Route invalidated: destination: 10.60.0.0/24 oif: %d gateway: 10.40.0.2 metric: 100", linkIndex))
				Expect(countRecords(session, "Route invalidated: ")).To(BeNumerically(">=", 2),
					"Scan should have reported every cached route on the interface")
			})

			It("should report the removed address and rescan the cache when an address is deleted", func() {
				session, stop := startObserver(transportName)
				defer stop()

				linkIndex := addTestVeth("obs.veth0", "obs.veth1")
				defer deleteLinkIfPresent("obs.veth0")

				// Two subnets so the watched route survives the removal of the first address
				addLinkAddress("obs.veth0", "10.40.0.1/24")
				addLinkAddress("obs.veth0", "10.41.0.1/24")

				route := &netlink.Route{
					Dst:       parseCIDR("10.50.0.0/24"),
					Gw:        net.ParseIP("10.41.0.2"),
					LinkIndex: linkIndex,
					Priority:  100,
				}
				Expect(netlink.RouteAdd(route)).To(Succeed(), "Failed to add route")
				expectRecord(session, fmt.Sprintf("Route added: destination: 10.50.0.0/24 oif: %d gateway: 10.41.0.2 metric: 100", linkIndex))

				deleteLinkAddress("obs.veth0", "10.40.0.1/24")

				expectRecord(session, fmt.Sprintf("Address deleted: 10.40.0.1 on interface %d", linkIndex))
				expectRecord(session, fmt.Sprintf("Route invalidated: destination: 10.50.0.0/24 oif: %d gateway: 10.41.0.2 metric: 100", linkIndex))
			})

			It("should serve Prometheus metrics for the processed notifications", func() {
				session, stop := startObserver(transportName)
				defer stop()

				linkIndex := addTestVeth("obs.veth0", "obs.veth1")
				defer deleteLinkIfPresent("obs.veth0")
				expectRecord(session, fmt.Sprintf("Link added, index: %d", linkIndex))

				Eventually(func() (string, error) {
					// http.Get uses another goroutine, so it doesn't inherit the network namespace.
					// Use curl instead because it "just works".
					ctx, cancel := context.WithTimeout(GinkgoT().Context(), 250*time.Millisecond)
					defer cancel()

					return Run(exec.CommandContext(ctx, "curl", "-fsSL", fmt.Sprintf("http://127.0.0.1:%d/metrics", observerMetricsPort)))
				}, 2*time.Second, 250*time.Millisecond).Should(
					ContainSubstring(`notification_events_total{type="link_added"}`),
					"Metrics endpoint should report the processed notifications")
			})
		})
	}
})

// observerSession captures the output streams of a running observer process.
type observerSession struct {
	stdout *gbytes.Buffer
	stderr *gbytes.Buffer
}

func (s *observerSession) Stdout() string { return string(s.stdout.Contents()) }
func (s *observerSession) Stderr() string { return string(s.stderr.Contents()) }

// startObserver starts the built binary with the given transport and returns the
// session along with a function to stop it
func startObserver(transportName string) (*observerSession, func()) {
	ctx, cancel := context.WithCancel(GinkgoT().Context())

	cmd := exec.CommandContext(ctx, binaryPath,
		"-transport", transportName,
		"-metrics-port", fmt.Sprintf("%d", observerMetricsPort),
		"-log-level", "debug",
	)

	session := &observerSession{
		stdout: gbytes.NewBuffer(),
		stderr: gbytes.NewBuffer(),
	}
	cmd.Stdout = io.MultiWriter(session.stdout, GinkgoWriter)
	cmd.Stderr = io.MultiWriter(session.stderr, GinkgoWriter)

	dir, err := GetProjectDir()
	Expect(err).NotTo(HaveOccurred(), "Failed to get project dir")
	cmd.Dir = dir

	Expect(cmd.Start()).To(Succeed(), "Failed to start binary")

	// The subscriptions must be active before the spec churns the kernel tables,
	// otherwise the first notifications race the socket setup.
	Eventually(session.Stderr, 5*time.Second, 50*time.Millisecond).Should(
		ContainSubstring("Subscribed to kernel notification groups"),
		"Observer should log active subscriptions on startup")

	return session, func() {
		cmd.Process.Signal(os.Interrupt)
		time.Sleep(500 * time.Millisecond) // Give it some time to shutdown

		// Ensure the process has exited
		cancel()
		cmd.Wait()
	}
}

// expectRecord waits for the observer to print the given record to stdout.
func expectRecord(session *observerSession, record string) {
	GinkgoHelper()

	Eventually(session.Stdout, 5*time.Second, 100*time.Millisecond).Should(
		ContainSubstring(record), "Observer should have reported %q", record)
}

// countRecords returns the number of stdout lines starting with the given prefix.
func countRecords(session *observerSession, prefix string) int {
	count := 0
	for _, line := range GetNonEmptyLines(session.Stdout()) {
		if strings.HasPrefix(line, prefix) {
			count++
		}
	}

	return count
}

// addTestVeth creates a veth pair in the test namespace with both ends up, and
// returns the interface index of the named end.
func addTestVeth(name string, peerName string) int {
	vethAttrs := netlink.NewLinkAttrs()
	vethAttrs.Name = name
	vethLink := netlink.NewVeth(vethAttrs)
	vethLink.PeerName = peerName

	Expect(netlink.LinkAdd(vethLink)).To(Succeed(), "Failed to create veth pair %q", name)

	// Bring both sides up so the pair has carrier
	for _, side := range []string{name, peerName} {
		link, err := netlink.LinkByName(side)
		Expect(err).NotTo(HaveOccurred(), "Failed to get link %q by name", side)
		Expect(netlink.LinkSetUp(link)).To(Succeed(), "Failed to set link %q up", side)
	}

	link, err := netlink.LinkByName(name)
	Expect(err).NotTo(HaveOccurred(), "Failed to get link %q by name", name)

	return link.Attrs().Index
}

func deleteLink(name string) {
	link, err := netlink.LinkByName(name)
	Expect(err).NotTo(HaveOccurred(), "Failed to get link %q by name", name)
	Expect(netlink.LinkDel(link)).To(Succeed(), "Failed to delete link %q", name)
}

// deleteLinkIfPresent is the deferred cleanup variant of deleteLink. Deleting one
// side of a veth pair deletes the other side as well, so one call covers both.
func deleteLinkIfPresent(name string) {
	link, err := netlink.LinkByName(name)
	if err != nil {
		return
	}

	Expect(netlink.LinkDel(link)).To(Succeed(), "Failed to delete link %q", name)
}

func addLinkAddress(name string, cidr string) {
	link, err := netlink.LinkByName(name)
	Expect(err).NotTo(HaveOccurred(), "Failed to get link %q by name", name)

	addr, err := netlink.ParseAddr(cidr)
	Expect(err).NotTo(HaveOccurred(), "Failed to parse address %q", cidr)
	Expect(netlink.AddrAdd(link, addr)).To(Succeed(), "Failed to add address %q to link %q", cidr, name)
}

func deleteLinkAddress(name string, cidr string) {
	link, err := netlink.LinkByName(name)
	Expect(err).NotTo(HaveOccurred(), "Failed to get link %q by name", name)

	addr, err := netlink.ParseAddr(cidr)
	Expect(err).NotTo(HaveOccurred(), "Failed to parse address %q", cidr)
	Expect(netlink.AddrDel(link, addr)).To(Succeed(), "Failed to delete address %q from link %q", cidr, name)
}

func parseCIDR(cidr string) *net.IPNet {
	ipNet, err := netlink.ParseIPNet(cidr)
	Expect(err).NotTo(HaveOccurred(), "Failed to parse CIDR %q", cidr)

	return ipNet
}

func logNetworkState() {
	// Show all links
	output, err := Run(exec.Command("ip", "-o", "link", "show"))
	Expect(err).NotTo(HaveOccurred(), "Failed to get links")
	fmt.Fprintf(GinkgoWriter, "All links:\n%s\n", output)

	// Show all addresses
	output, err = Run(exec.Command("ip", "-o", "-4", "addr", "show"))
	Expect(err).NotTo(HaveOccurred(), "Failed to get IPv4 addresses")
	fmt.Fprintf(GinkgoWriter, "All IPv4 addresses:\n%s\n", output)

	// Show all routes
	output, err = Run(exec.Command("ip", "-o", "-4", "route", "show", "table", "all"))
	Expect(err).NotTo(HaveOccurred(), "Failed to get IPv4 routes")
	fmt.Fprintf(GinkgoWriter, "All IPv4 routes:\n%s\n", output)
}
