package kubeutil

import (
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

// NewClientset uses the in-cluster config when available and falls back to
// the local kubeconfig.
func NewClientset() (*kubernetes.Clientset, error) {
	config, err := rest.InClusterConfig()
	if err != nil {
		loadingRules := clientcmd.NewDefaultClientConfigLoadingRules()
		kubeConfig := clientcmd.NewNonInteractiveDeferredLoadingClientConfig(loadingRules, nil)
		config, err = kubeConfig.ClientConfig()

		if err != nil {
			return nil, err
		}
	}

	return kubernetes.NewForConfig(config)
}
